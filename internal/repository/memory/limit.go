package memory

import "strconv"

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

func jobIDString(id int64) string {
	return strconv.FormatInt(id, 10)
}
