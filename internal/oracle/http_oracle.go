package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/pkg/logger"
)

// HTTPOracleConfig 描述 HTTP 价格源的连接参数。
// 端点按 GET {base_url}?symbol={asset} 查询，响应为 {"symbol":..,"price_usd":..}。
type HTTPOracleConfig struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPOracle 从 HTTP 价格服务获取报价。
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

// NewHTTPOracle 创建 HTTPOracle。
func NewHTTPOracle(cfg HTTPOracleConfig) (*HTTPOracle, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "价格源地址不能为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type priceResponse struct {
	Symbol   string  `json:"symbol"`
	PriceUSD float64 `json:"price_usd"`
}

// Price 实现 PriceOracle。
func (o *HTTPOracle) Price(ctx context.Context, asset string) (float64, error) {
	endpoint := o.baseURL + "?symbol=" + url.QueryEscape(strings.ToUpper(asset))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeOracleFailure, err, "构造价格请求失败")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeOracleFailure, err, "请求价格源失败",
			xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.L().Warn("价格源返回异常状态", "asset", asset, "status", resp.StatusCode)
		return 0, xerrors.New(xerrors.CodeOracleFailure, "价格源返回异常状态",
			xerrors.WithRetryable(true))
	}

	var body priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeOracleFailure, err, "解析价格响应失败")
	}
	if body.PriceUSD <= 0 {
		return 0, xerrors.New(xerrors.CodeOracleFailure, "价格源返回非正价格")
	}
	return body.PriceUSD, nil
}

// Close 实现 PriceOracle。
func (o *HTTPOracle) Close() error {
	o.client.CloseIdleConnections()
	return nil
}

var _ PriceOracle = (*HTTPOracle)(nil)
