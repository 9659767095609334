package rbac

import "strings"

// 权限常量
const (
	PermissionInboxRead  = "inbox:read"
	PermissionInboxWrite = "inbox:write"
	// 保存归档会写 CRM 并操作邮件服务商
	PermissionPipelineRun = "pipeline:run"

	// 敏感操作权限
	PermissionOutboxReplay = "outbox:replay"
)

// 角色常量
const (
	RoleOwner  = "owner"
	RoleClient = "client"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleClient: {
		PermissionInboxRead,
		PermissionInboxWrite,
		PermissionPipelineRun,
	},
	RoleOwner: {
		PermissionInboxRead,
		PermissionInboxWrite,
		PermissionPipelineRun,
		PermissionOutboxReplay,
	},
}

// Policy 按 token 主体决定角色：本人是 owner，其余签发给脚本或集成的 token 是 client
type Policy struct {
	owner string
}

func NewPolicy(ownerEmail string) *Policy {
	return &Policy{owner: strings.ToLower(strings.TrimSpace(ownerEmail))}
}

// RoleOf 返回主体的角色
func (p *Policy) RoleOf(subject string) string {
	if p.owner != "" && strings.EqualFold(strings.TrimSpace(subject), p.owner) {
		return RoleOwner
	}
	return RoleClient
}

// HasPermission 检查主体是否有指定权限
func (p *Policy) HasPermission(subject, permission string) bool {
	for _, perm := range rolePermissions[p.RoleOf(subject)] {
		if perm == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查主体是否有指定权限（返回错误而不是布尔值，便于处理）
func (p *Policy) CheckPermission(subject, permission string) error {
	if !p.HasPermission(subject, permission) {
		return &PermissionDeniedError{
			Subject:    subject,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	Subject    string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions"
}
