package metadata

import "strings"

// ancestors returns the ancestor path segments of name, deepest first:
// for "a/b/c/file" that's ["a/b/c", "a/b", "a"] (spec.md §3 "Prefix").
func ancestors(name string) []string {
	parts := strings.Split(name, "/")
	if len(parts) <= 1 {
		return nil
	}
	var out []string
	for i := len(parts) - 1; i >= 1; i-- {
		out = append(out, strings.Join(parts[:i], "/"))
	}
	return out
}

// addPrefixes idempotently inserts every ancestor prefix of name.
func (s *Store) addPrefixes(bucketID, name string) error {
	for _, prefix := range ancestors(name) {
		level := strings.Count(prefix, "/") + 1
		if _, err := s.q.ExecContext(`
			INSERT INTO storage.prefixes (bucket_id, name, level)
			VALUES ($1, $2, $3)
			ON CONFLICT (bucket_id, name) DO NOTHING`, bucketID, prefix, level); err != nil {
			return err
		}
	}
	return nil
}

// deleteLeafPrefixes deletes the ancestor prefixes of each name in
// names, stopping at the first ancestor (from the deepest up) that
// still has a direct child object or child prefix. It checks only
// immediate children, never walking the subtree (spec.md §4.F).
func (s *Store) deleteLeafPrefixes(bucketID string, names []string) error {
	for _, name := range names {
		for _, prefix := range ancestors(name) {
			empty, err := s.prefixHasNoChildren(bucketID, prefix)
			if err != nil {
				return err
			}
			if !empty {
				break
			}
			if _, err := s.q.ExecContext(`
				DELETE FROM storage.prefixes WHERE bucket_id = $1 AND name = $2`, bucketID, prefix); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) prefixHasNoChildren(bucketID, prefix string) (bool, error) {
	var objectChildren, prefixChildren int

	row := s.q.QueryRowContext(`
		SELECT count(*) FROM storage.objects
		WHERE bucket_id = $1 AND name LIKE $2 || '/%' AND position('/' IN substring(name FROM length($2) + 2)) = 0`,
		bucketID, prefix)
	if err := row.Scan(&objectChildren); err != nil {
		return false, err
	}
	if objectChildren > 0 {
		return false, nil
	}

	row = s.q.QueryRowContext(`
		SELECT count(*) FROM storage.prefixes
		WHERE bucket_id = $1 AND name LIKE $2 || '/%' AND position('/' IN substring(name FROM length($2) + 2)) = 0`,
		bucketID, prefix)
	if err := row.Scan(&prefixChildren); err != nil {
		return false, err
	}
	return prefixChildren == 0, nil
}
