package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Fetcher 以流的方式把远程资源写入 dst，返回响应的 Content-Type
type Fetcher interface {
	Fetch(ctx context.Context, url string, dst io.Writer) (string, error)
}

type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, dst io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrDownload, err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d", ErrDownload, resp.StatusCode)
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownload, err)
	}
	return resp.Header.Get("Content-Type"), nil
}

// downloadToFile 下载到 path，失败时删除残留文件
func downloadToFile(ctx context.Context, f Fetcher, url, path string) (string, error) {
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrDownload, path, err)
	}
	contentType, err := f.Fetch(ctx, url, out)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: close %s: %v", ErrDownload, path, cerr)
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return contentType, nil
}
