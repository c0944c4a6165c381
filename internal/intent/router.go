// Package intent 实现基于规则的意图分发器。
//
// 规则按声明顺序逐条匹配（大小写不敏感），首条命中即生效；都未命中时
// 走检索加生成的默认路径。分发器本身无状态，每条消息独立求值。
package intent

import (
	"context"
	"fmt"
	"strings"

	"krishi-mitra-go/internal/model"
	"krishi-mitra-go/pkg/llm"
	"krishi-mitra-go/pkg/log"
)

// WeatherService 是天气查询叶子服务。
type WeatherService interface {
	Lookup(ctx context.Context, location string) string
}

// MarketService 是行情查询叶子服务。
type MarketService interface {
	Lookup(ctx context.Context, location string) string
	LookupCommodity(ctx context.Context, commodity, location string) string
}

// ProfileStore 抽象画像字段的持久化（由用户仓库实现）。
type ProfileStore interface {
	UpdateLocation(ctx context.Context, userID uint, location string) error
	UpdateCrops(ctx context.Context, userID uint, crops []string) error
}

// ContextRetriever 抽象检索上下文的构建（由文档索引实现）。
type ContextRetriever interface {
	BuildContext(ctx context.Context, query string) string
}

// Generator 抽象回答生成（由 LLM 客户端实现）。
type Generator interface {
	Generate(ctx context.Context, prompt string, overrides []string) string
	GenerateStream(ctx context.Context, prompt string, overrides []string, w llm.FragmentWriter) error
}

const (
	locationDirective = "update my location to"
	cropsDirective    = "update my crops to"

	// maxMarketCrops 限制按作物逐个查询行情的数量。
	maxMarketCrops = 3
)

// Router 将一条英文消息分发给对应的处理路径。
type Router struct {
	weather   WeatherService
	market    MarketService
	profiles  ProfileStore
	retriever ContextRetriever
	generator Generator
}

// NewRouter 创建意图分发器。
func NewRouter(weather WeatherService, market MarketService, profiles ProfileStore, retriever ContextRetriever, generator Generator) *Router {
	return &Router{
		weather:   weather,
		market:    market,
		profiles:  profiles,
		retriever: retriever,
		generator: generator,
	}
}

// Route 同步处理一条消息并返回完整回答文本。
func (r *Router) Route(ctx context.Context, user *model.User, message string) string {
	if handled, answer := r.routeQuick(ctx, user, message); handled {
		return strings.Join(answer, "\n\n")
	}

	contextText := r.retriever.BuildContext(ctx, message)
	prompt := llm.BuildPrompt(message, contextText)
	return r.generator.Generate(ctx, prompt, nil)
}

// RouteStream 流式处理一条消息，将回答分块写入 writer。
// 快速意图（天气、行情、画像更新）按段写出；默认意图走流式生成。
// 返回的 error 仅来自 writer。
func (r *Router) RouteStream(ctx context.Context, user *model.User, message string, w llm.FragmentWriter) error {
	if handled, answer := r.routeQuick(ctx, user, message); handled {
		for _, segment := range answer {
			if err := w.WriteFragment(segment); err != nil {
				return err
			}
		}
		return nil
	}

	contextText := r.retriever.BuildContext(ctx, message)
	prompt := llm.BuildPrompt(message, contextText)
	return r.generator.GenerateStream(ctx, prompt, nil, w)
}

// routeQuick 尝试匹配免检索免生成的快速意图。
// handled 为 false 表示应走默认的检索加生成路径。
func (r *Router) routeQuick(ctx context.Context, user *model.User, message string) (handled bool, answer []string) {
	lowered := strings.ToLower(message)

	// 规则顺序即优先级：同时包含 "weather" 与 "market" 的消息按天气处理。
	if strings.Contains(lowered, "weather") {
		return true, []string{r.weather.Lookup(ctx, user.Location)}
	}

	if strings.Contains(lowered, "market") || strings.Contains(lowered, "price") {
		return true, r.marketAnswer(ctx, user)
	}

	if strings.HasPrefix(lowered, locationDirective) {
		return true, []string{r.updateLocation(ctx, user, strings.TrimSpace(message[len(locationDirective):]))}
	}

	if strings.HasPrefix(lowered, cropsDirective) {
		return true, []string{r.updateCrops(ctx, user, strings.TrimSpace(message[len(cropsDirective):]))}
	}

	return false, nil
}

// marketAnswer 按用户种植的作物逐个查询行情（最多 3 个），
// 未登记作物时查询所在地的总体行情。
func (r *Router) marketAnswer(ctx context.Context, user *model.User) []string {
	crops := user.CropList()
	if len(crops) == 0 {
		return []string{r.market.Lookup(ctx, user.Location)}
	}
	if len(crops) > maxMarketCrops {
		crops = crops[:maxMarketCrops]
	}
	segments := make([]string, 0, len(crops))
	for _, crop := range crops {
		segments = append(segments, r.market.LookupCommodity(ctx, crop, user.Location))
	}
	return segments
}

func (r *Router) updateLocation(ctx context.Context, user *model.User, newLocation string) string {
	if newLocation == "" {
		return "I could not detect the new location. Please try again."
	}
	if err := r.profiles.UpdateLocation(ctx, user.ID, newLocation); err != nil {
		log.Warnf("[IntentRouter] 更新用户位置失败, userID: %d, error: %v", user.ID, err)
		return "Sorry, I could not update your location right now. Please try again."
	}
	user.Location = newLocation
	return fmt.Sprintf("Your location has been updated to %s.", newLocation)
}

func (r *Router) updateCrops(ctx context.Context, user *model.User, cropsText string) string {
	if cropsText == "" {
		return "I could not detect the new crops list. Please try again."
	}
	var crops []string
	for _, item := range strings.Split(cropsText, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			crops = append(crops, trimmed)
		}
	}
	if err := r.profiles.UpdateCrops(ctx, user.ID, crops); err != nil {
		log.Warnf("[IntentRouter] 更新用户作物失败, userID: %d, error: %v", user.ID, err)
		return "Sorry, I could not update your crops right now. Please try again."
	}
	user.Crops = strings.Join(crops, ",")

	readable := "none"
	if len(crops) > 0 {
		readable = strings.Join(crops, ", ")
	}
	return fmt.Sprintf("Your crops have been updated to %s.", readable)
}
