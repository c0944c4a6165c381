// Package weather 提供了一个与 OpenWeather 接口交互的客户端。
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"krishi-mitra-go/internal/config"
	"krishi-mitra-go/pkg/log"
)

// Client defines the interface for a weather lookup client.
type Client interface {
	// Lookup 返回某地的天气描述文本；后端不可用时返回兜底文本而非错误。
	Lookup(ctx context.Context, location string) string
}

type httpClient struct {
	cfg    config.WeatherConfig
	client *http.Client
}

// NewClient 创建一个新的天气客户端实例。
func NewClient(cfg config.WeatherConfig) Client {
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 8 * time.Second},
	}
}

type weatherResponse struct {
	Main struct {
		Temp *float64 `json:"temp"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
}

// Lookup 查询某地当前天气并格式化为一句话回答。
func (c *httpClient) Lookup(ctx context.Context, location string) string {
	if location == "" {
		return "I do not know your location yet. Please update it first."
	}

	params := url.Values{}
	params.Set("q", location)
	params.Set("appid", c.cfg.APIKey)
	params.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/data/2.5/weather?"+params.Encode(), nil)
	if err != nil {
		log.Warnf("[WeatherClient] 构造天气请求失败: %v", err)
		return unavailableText(location)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Warnf("[WeatherClient] 调用天气接口失败: %v", err)
		return unavailableText(location)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warnf("[WeatherClient] 天气接口返回非 200 状态码: %s", resp.Status)
		return unavailableText(location)
	}

	var data weatherResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		log.Warnf("[WeatherClient] 解析天气响应失败: %v", err)
		return unavailableText(location)
	}

	description := "weather conditions"
	if len(data.Weather) > 0 && data.Weather[0].Description != "" {
		description = data.Weather[0].Description
	}
	if data.Main.Temp != nil {
		return fmt.Sprintf("The weather in %s is %.1f°C with %s.", location, *data.Main.Temp, description)
	}
	return fmt.Sprintf("I could not retrieve detailed weather data for %s.", location)
}

func unavailableText(location string) string {
	return fmt.Sprintf("Weather data for %s is currently unavailable. Please try again later.", location)
}
