package metrics

import (
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/readyz", "/readyz"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/auth/me", "/auth/me"},
		{"/admin/cleanup", "/admin/cleanup"},
		{"/", "/"},
		{"", "/"},
		{"/objects", "/objects"},
		{"/objects/", "/objects"},
		{"/objects/65a1b2c3d4e5f60718293a4b", "/objects/{id}"},
		{"/records", "/records"},
		{"/records/4b1f", "/records/{id}"},
		{"/records/4b1f/file", "/records/{id}/file"},
		{"/some/unknown/path", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	Register()
	Register()

	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	HTTPRequestSize.WithLabelValues("POST", "/objects").Observe(1024)
	HTTPResponseSize.WithLabelValues("GET", "/objects/{id}").Observe(2048)
	UploadsTotal.WithLabelValues("committed").Inc()
	UploadBytes.Observe(4096)
	ChunksWrittenTotal.WithLabelValues("success").Inc()
	DownloadsTotal.WithLabelValues("complete").Inc()
	BytesStreamedTotal.Add(2048)
	ObjectsDeletedTotal.Inc()
	OrphansReapedTotal.Add(2)
	StoreState.Set(2)
	StoreEpoch.Set(1)
	StoreInitAttemptsTotal.WithLabelValues("success").Inc()
}
