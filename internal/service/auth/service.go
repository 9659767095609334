package auth

import (
	"errors"
	"time"

	pkgauth "commandcenter/pkg/auth"
)

var ErrInvalidCredentials = errors.New("invalid password")

// Service 单用户登录：只有收件箱主人一个账号，密码以 bcrypt 哈希保存在配置中
type Service struct {
	owner        string
	passwordHash string
	jwtSecret    string
	ttl          time.Duration
}

func NewService(owner, passwordHash, jwtSecret string, ttl time.Duration) *Service {
	return &Service{
		owner:        owner,
		passwordHash: passwordHash,
		jwtSecret:    jwtSecret,
		ttl:          ttl,
	}
}

// Login checks the password and returns a JWT.
func (s *Service) Login(password string) (string, error) {
	if s.passwordHash == "" || !pkgauth.CheckPassword(password, s.passwordHash) {
		return "", ErrInvalidCredentials
	}
	return s.Issue()
}

// Issue 直接签发 token，ccctl token 使用
func (s *Service) Issue() (string, error) {
	return pkgauth.GenerateJWT(s.owner, s.jwtSecret, s.ttl)
}

// TTL token 有效期
func (s *Service) TTL() time.Duration {
	return s.ttl
}
