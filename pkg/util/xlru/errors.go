package xlru

import "errors"

var (
	// ErrInvalidSize 缓存大小必须大于 0。
	ErrInvalidSize = errors.New("xlru: size must be greater than 0")

	// ErrSizeExceedsMax 缓存大小超过上限。
	ErrSizeExceedsMax = errors.New("xlru: size must not exceed 16777216")

	// ErrInvalidTTL TTL 不能为负。
	ErrInvalidTTL = errors.New("xlru: ttl must not be negative")
)
