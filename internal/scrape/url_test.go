package scrape

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapegate/internal/resilience"
)

func TestDomainOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "https://www.Example.com/products?id=1", want: "www.example.com"},
		{in: "http://shop.test:8080/a", want: "shop.test"},
		{in: "https://[::1]:9000/", want: "::1"},
		{in: "not a url", want: resilience.DefaultDomain},
		{in: "://missing-scheme", want: resilience.DefaultDomain},
		{in: "", want: resilience.DefaultDomain},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, DomainOf(tt.in))
		})
	}
}

func TestRequestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     Request
		wantErr string
	}{
		{name: "ok", req: Request{URL: "https://example.com/item"}},
		{name: "empty", req: Request{}, wantErr: "url is required"},
		{name: "scheme", req: Request{URL: "ftp://example.com"}, wantErr: "must be http or https"},
		{name: "no host", req: Request{URL: "https:///path"}, wantErr: "must include a host"},
		{name: "unroutable", req: Request{URL: "http://0.0.0.0/"}, wantErr: "not routable"},
		{name: "negative max", req: Request{URL: "https://example.com", MaxItems: -1}, wantErr: "max_items"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.req.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
			require.Equal(t, resilience.KindValidation, resilience.KindOf(err))
		})
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, TaskStatusQueued.Terminal())
	require.False(t, TaskStatusRunning.Terminal())
	require.True(t, TaskStatusSucceeded.Terminal())
	require.True(t, TaskStatusFailed.Terminal())
	require.True(t, TaskStatusCanceled.Terminal())
}

func TestNewTaskIDIsUUIDv7(t *testing.T) {
	t.Parallel()

	id, err := NewTaskID()
	require.NoError(t, err)
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), parsed.Version())
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: " HTTPS://Shop.Test:443/Items?id=1#top ", want: "https://shop.test/Items?id=1"},
		{in: "http://shop.test:80", want: "http://shop.test/"},
		{in: "http://shop.test:8080/a", want: "http://shop.test:8080/a"},
		{in: "not a url", want: "not a url"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, NormalizeURL(tt.in))
		})
	}
}

func TestCacheKey(t *testing.T) {
	t.Parallel()

	base := Request{URL: "https://shop.test/p/1", Selector: ".price"}
	same := Request{URL: "HTTPS://SHOP.test:443/p/1#reviews", Selector: " .price ", Tags: map[string]string{"sku": "1"}}
	require.Equal(t, CacheKey(base), CacheKey(same))
	require.Len(t, CacheKey(base), 64)

	for name, req := range map[string]Request{
		"path":      {URL: "https://shop.test/p/2", Selector: ".price"},
		"selector":  {URL: "https://shop.test/p/1", Selector: ".title"},
		"max items": {URL: "https://shop.test/p/1", Selector: ".price", MaxItems: 1},
		"headless":  {URL: "https://shop.test/p/1", Selector: ".price", Headless: true},
	} {
		require.NotEqual(t, CacheKey(base), CacheKey(req), name)
	}
}
