// Package pagination provides offset pagination shared by list endpoints.
package pagination

import "gorm.io/gorm"

const (
	defaultPageSize = 25
	maxPageSize     = 200
)

// Request carries the caller-supplied page window.
type Request struct {
	Page     int `form:"page" json:"page"`
	PageSize int `form:"page_size" json:"page_size"`
}

// PageInfo is embedded in list responses.
type PageInfo struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalCount int64 `json:"total_count"`
}

func (r Request) normalized() Request {
	if r.Page < 1 {
		r.Page = 1
	}
	if r.PageSize < 1 {
		r.PageSize = defaultPageSize
	}
	if r.PageSize > maxPageSize {
		r.PageSize = maxPageSize
	}
	return r
}

// Offset returns the row offset for the normalized window.
func (r Request) Offset() int {
	n := r.normalized()
	return (n.Page - 1) * n.PageSize
}

// Limit returns the row limit for the normalized window.
func (r Request) Limit() int {
	return r.normalized().PageSize
}

// Info builds the PageInfo for a response.
func (r Request) Info(total int64) PageInfo {
	n := r.normalized()
	return PageInfo{Page: n.Page, PageSize: n.PageSize, TotalCount: total}
}

// Scope applies the window to a gorm query.
func Scope(r Request) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Offset(r.Offset()).Limit(r.Limit())
	}
}
