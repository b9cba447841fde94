package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

// BenchmarkClient_BuildRequest benchmarks HTTP request construction.
func BenchmarkClient_BuildRequest(b *testing.B) {
	client, _ := NewOpenWeatherClient(Options{APIKey: "test-api-key-1234567890"})
	ctx := context.Background()
	params := url.Values{}
	params.Set("q", "London")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = client.buildRequest(ctx, endpointWeather, params)
	}
}

// BenchmarkClient_ParseForecast benchmarks decoding and mapping a forecast payload.
func BenchmarkClient_ParseForecast(b *testing.B) {
	var sb strings.Builder
	sb.WriteString(`{"city":{"id":2643743,"name":"London","timezone":0},"list":[`)
	for i := 0; i < 40; i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, `{"dt":%d,"main":{"temp":10.5,"humidity":70},"weather":[{"main":"Rain","description":"light rain","icon":"10d"}],"wind":{"speed":4.1}}`, 1709553600+i*10800)
	}
	sb.WriteString(`]}`)
	payload := []byte(sb.String())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var resp forecastResponse
		_ = json.Unmarshal(payload, &resp)
		_ = mapForecast(resp)
	}
}

// BenchmarkClient_HandleErrorResponse benchmarks error response handling.
func BenchmarkClient_HandleErrorResponse(b *testing.B) {
	client, _ := NewOpenWeatherClient(Options{APIKey: "test-api-key-1234567890"})
	resp := &http.Response{
		StatusCode: http.StatusServiceUnavailable,
		Body:       io.NopCloser(strings.NewReader("")),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = client.handleErrorResponse(resp)
	}
}

// BenchmarkClient_CalculateBackoff benchmarks backoff calculation.
func BenchmarkClient_CalculateBackoff(b *testing.B) {
	client, err := NewOpenWeatherClient(Options{
		APIKey:         "test-api-key-1234567890",
		Timeout:        time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  2 * time.Second,
	})
	if err != nil {
		b.Fatalf("Failed to create client: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = client.calculateBackoff((i % 5) + 1)
	}
}

// BenchmarkStatusLabel benchmarks HTTP status code to label conversion.
func BenchmarkStatusLabel(b *testing.B) {
	statusCodes := []int{200, 400, 429, 500, 503}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = statusLabel(statusCodes[i%len(statusCodes)])
	}
}
