package pagination

const (
	DefaultLimit = 20
	MaxLimit     = 250
)

type Pagination struct {
	Limit  int `form:"limit,default=20" json:"limit" validate:"gte=0,lte=250"`
	Offset int `form:"offset" json:"offset" validate:"gte=0"`
}

type PageInfo struct {
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	NextOffset int  `json:"next_offset"`
	HasMore    bool `json:"has_more"`
}

// Normalize clamps limit into [1, MaxLimit] and offset to >= 0.
func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// BuildPageInfo expects data to have been fetched with limit+1 rows and trims it
// back to the page size.
func BuildPageInfo[T any](data []*T, p Pagination) ([]*T, *PageInfo) {
	p = p.Normalize()
	hasMore := false
	if len(data) > p.Limit {
		hasMore = true
		data = data[:p.Limit] // potong data supaya sesuai limit
	}

	info := &PageInfo{
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: hasMore,
	}
	if hasMore {
		info.NextOffset = p.Offset + p.Limit
	}
	return data, info
}
