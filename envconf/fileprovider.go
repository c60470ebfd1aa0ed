package envconf

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/melbahja/got"
)

const (
	fileScheme  = "file://"
	httpScheme  = "http://"
	httpsScheme = "https://"
)

// IsRemote reports whether the input is an http(s) URL.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, httpScheme) || strings.HasPrefix(path, httpsScheme)
}

// Downloader fetches a remote file to a local destination.
type Downloader interface {
	Download(ctx context.Context, destination, source string) error
}

type gotDownloader struct {
	client *http.Client
}

// NewDownloader returns a Downloader backed by got, with the retrying go-utils HTTP client.
func NewDownloader(logger log.Logger) Downloader {
	return gotDownloader{client: retryhttp.NewClient(logger).StandardClient()}
}

// Download ...
func (d gotDownloader) Download(ctx context.Context, destination, source string) error {
	downloader := got.New()
	downloader.Client = d.client

	return downloader.Do(got.NewDownload(ctx, source, destination))
}

// FileProvider resolves an input to a local file path.
type FileProvider interface {
	// LocalPath returns the absolute path of a local input, with or without the
	// file:// scheme. Remote http(s) inputs are downloaded to a temporary directory first.
	LocalPath(ctx context.Context, path string) (string, error)
}

type fileProvider struct {
	downloader   Downloader
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
}

// NewFileProvider ...
func NewFileProvider(downloader Downloader, pathProvider pathutil.PathProvider, pathModifier pathutil.PathModifier) FileProvider {
	return &fileProvider{
		downloader:   downloader,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
	}
}

func (f *fileProvider) LocalPath(ctx context.Context, path string) (string, error) {
	if IsRemote(path) {
		return f.downloadFileToLocalPath(ctx, path)
	}

	return f.pathModifier.AbsPath(strings.TrimPrefix(path, fileScheme))
}

func (f *fileProvider) downloadFileToLocalPath(ctx context.Context, urlPath string) (string, error) {
	fileName, err := fileNameFromURL(urlPath)
	if err != nil {
		return "", fmt.Errorf("failed to extract filename from URL %s: %w", urlPath, err)
	}

	tmpDir, err := f.pathProvider.CreateTempDir("docflow")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	localPath := filepath.Join(tmpDir, fileName)
	if err := f.downloader.Download(ctx, localPath, urlPath); err != nil {
		return "", fmt.Errorf("failed to download file from %s: %w", urlPath, err)
	}

	return localPath, nil
}

func fileNameFromURL(urlPath string) (string, error) {
	parsedURL, err := url.Parse(urlPath)
	if err != nil {
		return "", err
	}

	name := filepath.Base(parsedURL.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("URL has no file name")
	}
	return name, nil
}
