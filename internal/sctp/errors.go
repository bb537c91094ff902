// =============================================================================
// 文件: internal/sctp/errors.go
// 描述: 错误定义
// =============================================================================
package sctp

import (
	"github.com/pkg/errors"
)

// 错误定义
var (
	// 协议违规: 本地丢弃
	ErrProtocolViolation = errors.New("协议违规")
	ErrTagMismatch       = errors.New("验证标签不匹配")
	ErrMalformed         = errors.New("块格式错误")

	// 资源不足: 以背压形式通知应用
	ErrSendBufferFull     = errors.New("发送缓冲区已满")
	ErrReceiveBufferEmpty = errors.New("接收缓冲区为空")

	// 状态与参数
	ErrAssociationClosed = errors.New("偶联已关闭")
	ErrInvalidState      = errors.New("无效状态")
	ErrInvalidStream     = errors.New("无效的流")
	ErrUnknownPath       = errors.New("未知路径")
	ErrNoActivePath      = errors.New("没有活动路径")
	ErrMessageTooLarge   = errors.New("消息过大")
	ErrEmptyMessage      = errors.New("消息为空")
	ErrResetInProgress   = errors.New("流重置进行中")
	ErrResetUnsupported  = errors.New("对端不支持流重置")
	ErrResetDenied       = errors.New("流重置被拒绝")

	// Cookie
	ErrCookieInvalid  = errors.New("cookie 无效")
	ErrCookieStale    = errors.New("cookie 已过期")
	ErrCookieReplayed = errors.New("cookie 重放")

	// 致命
	ErrConnectionLost = errors.New("连接丢失")
	ErrPeerAborted    = errors.New("对端中止偶联")
	ErrInitFailed     = errors.New("建立偶联超过重试次数")
)
