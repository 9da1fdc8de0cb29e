package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type httpKey struct {
	route  string
	method string
	code   string
}

type txKey struct {
	status string
	tier   string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// 超过最大桶的样本只计入 +Inf（即 count 本身）。
}

type collector struct {
	mu           sync.Mutex
	httpRequests map[httpKey]uint64
	httpLatency  map[string]*histogram
	txOutcomes   map[txKey]uint64
	haltCount    uint64
}

var vault = &collector{
	httpRequests: make(map[httpKey]uint64),
	httpLatency:  make(map[string]*histogram),
	txOutcomes:   make(map[txKey]uint64),
}

// ObserveHTTPRequest 记录一次 API 请求。
func ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	vault.mu.Lock()
	defer vault.mu.Unlock()
	vault.httpRequests[httpKey{route: route, method: method, code: strconv.Itoa(status)}]++
	hist := vault.httpLatency[route]
	if hist == nil {
		hist = newHistogram()
		vault.httpLatency[route] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveTransaction 记录一笔进入终态的交易。
func ObserveTransaction(status, tier string) {
	vault.mu.Lock()
	defer vault.mu.Unlock()
	vault.txOutcomes[txKey{status: status, tier: tier}]++
}

// ObserveHalt 记录一次紧急停机激活。
func ObserveHalt() {
	vault.mu.Lock()
	defer vault.mu.Unlock()
	vault.haltCount++
}

// Handler 以 Prometheus 文本格式暴露指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, vault.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP vaultd_http_requests_total Total number of API requests processed.\n")
	builder.WriteString("# TYPE vaultd_http_requests_total counter\n")
	httpKeys := make([]httpKey, 0, len(c.httpRequests))
	for key := range c.httpRequests {
		httpKeys = append(httpKeys, key)
	}
	sort.Slice(httpKeys, func(i, j int) bool {
		if httpKeys[i].route != httpKeys[j].route {
			return httpKeys[i].route < httpKeys[j].route
		}
		if httpKeys[i].method != httpKeys[j].method {
			return httpKeys[i].method < httpKeys[j].method
		}
		return httpKeys[i].code < httpKeys[j].code
	})
	for _, key := range httpKeys {
		builder.WriteString(fmt.Sprintf("vaultd_http_requests_total{route=%q,method=%q,code=%q} %d\n",
			key.route, key.method, key.code, c.httpRequests[key]))
	}

	builder.WriteString("# HELP vaultd_http_request_duration_seconds API request duration in seconds.\n")
	builder.WriteString("# TYPE vaultd_http_request_duration_seconds histogram\n")
	routes := make([]string, 0, len(c.httpLatency))
	for route := range c.httpLatency {
		routes = append(routes, route)
	}
	sort.Strings(routes)
	for _, route := range routes {
		hist := c.httpLatency[route]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("vaultd_http_request_duration_seconds_bucket{route=%q,le=%q} %d\n",
				route, formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("vaultd_http_request_duration_seconds_bucket{route=%q,le=\"+Inf\"} %d\n",
			route, hist.count))
		builder.WriteString(fmt.Sprintf("vaultd_http_request_duration_seconds_sum{route=%q} %s\n",
			route, formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("vaultd_http_request_duration_seconds_count{route=%q} %d\n",
			route, hist.count))
	}

	builder.WriteString("# HELP vaultd_transactions_total Transactions that reached a terminal state.\n")
	builder.WriteString("# TYPE vaultd_transactions_total counter\n")
	txKeys := make([]txKey, 0, len(c.txOutcomes))
	for key := range c.txOutcomes {
		txKeys = append(txKeys, key)
	}
	sort.Slice(txKeys, func(i, j int) bool {
		if txKeys[i].status != txKeys[j].status {
			return txKeys[i].status < txKeys[j].status
		}
		return txKeys[i].tier < txKeys[j].tier
	})
	for _, key := range txKeys {
		builder.WriteString(fmt.Sprintf("vaultd_transactions_total{status=%q,tier=%q} %d\n",
			key.status, key.tier, c.txOutcomes[key]))
	}

	builder.WriteString("# HELP vaultd_halt_activations_total Emergency halt activations.\n")
	builder.WriteString("# TYPE vaultd_halt_activations_total counter\n")
	builder.WriteString(fmt.Sprintf("vaultd_halt_activations_total %d\n", c.haltCount))

	return builder.String()
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
