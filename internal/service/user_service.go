// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"krishi-mitra-go/internal/model"
	"krishi-mitra-go/internal/repository"
	"krishi-mitra-go/pkg/database"
	"krishi-mitra-go/pkg/hash"
	"krishi-mitra-go/pkg/token"
)

// UserService 接口定义了所有与用户相关的业务操作。
type UserService interface {
	Register(name, email, password, location, preferredLanguage string) (*model.User, error)
	Login(email, password string) (accessToken, refreshToken string, err error)
	GetProfile(userID uint) (*model.User, error)
	UpdateProfile(ctx context.Context, userID uint, location, preferredLanguage, cropsText string) (*model.User, []string, error)
	Logout(tokenString string) error
	RefreshToken(refreshTokenString string) (newAccessToken, newRefreshToken string, err error)
}

// userService 是 UserService 接口的实现。
type userService struct {
	userRepo   repository.UserRepository
	jwtManager *token.JWTManager
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(userRepo repository.UserRepository, jwtManager *token.JWTManager) UserService {
	return &userService{
		userRepo:   userRepo,
		jwtManager: jwtManager,
	}
}

// Register 处理用户注册的业务逻辑。
func (s *userService) Register(name, email, password, location, preferredLanguage string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	// 1. 检查邮箱是否已被注册
	_, err := s.userRepo.FindByEmail(email)
	if err == nil {
		return nil, errors.New("邮箱已被注册")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// 2. 对密码进行哈希处理
	hashedPassword, err := hash.HashPassword(password)
	if err != nil {
		return nil, err
	}

	if preferredLanguage == "" {
		preferredLanguage = "en"
	}

	// 3. 创建新用户
	newUser := &model.User{
		Name:              name,
		Email:             email,
		Password:          hashedPassword,
		Location:          location,
		PreferredLanguage: preferredLanguage,
		Role:              "USER", // 默认角色
	}
	if err := s.userRepo.Create(newUser); err != nil {
		return nil, err
	}
	return newUser, nil
}

// Login 处理用户登录的业务逻辑。
func (s *userService) Login(email, password string) (accessToken, refreshToken string, err error) {
	email = strings.ToLower(strings.TrimSpace(email))

	// 1. 查找用户
	user, err := s.userRepo.FindByEmail(email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", errors.New("invalid credentials")
		}
		return "", "", err
	}

	// 2. 验证密码
	if !hash.CheckPasswordHash(password, user.Password) {
		return "", "", errors.New("invalid credentials")
	}

	// 3. 生成 access token 和 refresh token
	accessToken, err = s.jwtManager.GenerateToken(user.ID, user.Email, user.Role)
	if err != nil {
		return "", "", err
	}
	refreshToken, err = s.jwtManager.GenerateRefreshToken(user.ID, user.Email, user.Role)
	if err != nil {
		return "", "", err
	}
	return accessToken, refreshToken, nil
}

// GetProfile 根据用户 ID 获取用户详细信息。
func (s *userService) GetProfile(userID uint) (*model.User, error) {
	return s.userRepo.FindByID(userID)
}

// UpdateProfile 更新用户画像字段，只写入发生变化的字段。
// 返回更新后的用户与一组已应用变更的描述。
func (s *userService) UpdateProfile(ctx context.Context, userID uint, location, preferredLanguage, cropsText string) (*model.User, []string, error) {
	user, err := s.userRepo.FindByID(userID)
	if err != nil {
		return nil, nil, err
	}

	var applied []string

	if location = strings.TrimSpace(location); location != "" && location != user.Location {
		if err := s.userRepo.UpdateLocation(ctx, userID, location); err != nil {
			return nil, nil, err
		}
		user.Location = location
		applied = append(applied, "Location updated.")
	}

	if preferredLanguage = strings.TrimSpace(preferredLanguage); preferredLanguage != "" && preferredLanguage != user.PreferredLanguage {
		if err := s.userRepo.UpdateLanguage(ctx, userID, preferredLanguage); err != nil {
			return nil, nil, err
		}
		user.PreferredLanguage = preferredLanguage
		applied = append(applied, "Preferred language updated.")
	}

	var crops []string
	for _, item := range strings.Split(cropsText, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			crops = append(crops, trimmed)
		}
	}
	if joined := strings.Join(crops, ","); joined != user.Crops {
		if err := s.userRepo.UpdateCrops(ctx, userID, crops); err != nil {
			return nil, nil, err
		}
		user.Crops = joined
		applied = append(applied, "Crops updated.")
	}

	return user, applied, nil
}

// Logout 处理用户登出逻辑，将 token 加入 Redis 黑名单。
func (s *userService) Logout(tokenString string) error {
	claims, err := s.jwtManager.VerifyToken(tokenString)
	if err != nil {
		return err
	}
	// 使用 Redis 实现一个简单的 token 黑名单。
	// token 的剩余有效期将作为 Redis key 的过期时间。
	expiration := time.Until(claims.ExpiresAt.Time)
	return database.RDB.Set(context.Background(), "blacklist:"+tokenString, "true", expiration).Err()
}

// RefreshToken 验证 refresh token 并签发新的 access token 和 refresh token。
func (s *userService) RefreshToken(refreshTokenString string) (newAccessToken, newRefreshToken string, err error) {
	// 1. 验证 refresh token 是否有效
	claims, err := s.jwtManager.VerifyToken(refreshTokenString)
	if err != nil {
		return "", "", errors.New("invalid refresh token")
	}

	// 2. 检查用户是否存在
	user, err := s.userRepo.FindByID(claims.UserID)
	if err != nil {
		return "", "", errors.New("user not found")
	}

	// 3. 签发新的 token
	newAccessToken, err = s.jwtManager.GenerateToken(user.ID, user.Email, user.Role)
	if err != nil {
		return "", "", err
	}
	newRefreshToken, err = s.jwtManager.GenerateRefreshToken(user.ID, user.Email, user.Role)
	if err != nil {
		return "", "", err
	}
	return newAccessToken, newRefreshToken, nil
}
