package session

import _ "github.com/lib/pq" // registers the "postgres" database/sql driver
