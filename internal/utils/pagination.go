// Package utils holds small helpers shared by the HTTP layer and the CLI.
// They carry no domain knowledge.
//
// The pagination helpers turn raw query strings into a bounded page request:
//
//	page, size := utils.ClampPage(
//		utils.AtoiDefault(c.Query("page"), 1),
//		utils.AtoiDefault(c.Query("page_size"), 20),
//		100,
//	)
//	pages := utils.PageCount(total, size) // 0 when total is 0
package utils

import "strconv"

// AtoiDefault parses s as an int, returning def when s is empty or invalid.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampPage bounds page to >= 1 and size to [1, maxSize].
func ClampPage(page, size, maxSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 1
	}
	if maxSize > 0 && size > maxSize {
		size = maxSize
	}
	return page, size
}

// PageCount returns the number of pages of size needed for total items.
func PageCount(total int64, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
