package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
// "记录不存在" 不是错误，统一以 bool/计数返回。
var (
	ErrForbidden           = errors.New("not allowed to modify this record")
	ErrMissingField        = errors.New("missing required field")
	ErrInvalidStatus       = errors.New("invalid presence status")
	ErrInvalidKind         = errors.New("invalid notification kind")
	ErrInvalidActivityKind = errors.New("invalid activity kind")
	ErrInvalidCategory     = errors.New("invalid vote category")
	ErrInvalidWindow       = errors.New("invalid leaderboard window")
	ErrUnknownJob          = errors.New("unknown sweep job")
)

// IsValidation 判断错误是否属于写入前的参数校验失败。
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrMissingField, ErrInvalidStatus, ErrInvalidKind,
		ErrInvalidActivityKind, ErrInvalidCategory, ErrInvalidWindow,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
