package chromedriver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/mrfansi/web2img/internal/driver"
)

// ContainerFactoryOptions configures the Docker-backed browser runtime,
// the "docker" alternative to the exec-allocator Factory for
// deployments that isolate every browser process in its own container.
type ContainerFactoryOptions struct {
	Image  string
	Logger *zap.Logger
}

// ContainerFactory launches one browserless/chrome container per
// browser, using a fixed image and a readiness probe, to satisfy
// driver.Factory without a host-installed Chrome binary.
type ContainerFactory struct {
	cli    *client.Client
	opts   ContainerFactoryOptions
	logger *zap.Logger
}

// NewContainerFactory builds a ContainerFactory from the local Docker
// daemon found via the standard DOCKER_HOST environment.
func NewContainerFactory(opts ContainerFactoryOptions) (*ContainerFactory, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("chromedriver: docker client: %w", err)
	}
	if opts.Image == "" {
		opts.Image = "browserless/chrome:latest"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ContainerFactory{cli: cli, opts: opts, logger: opts.Logger}, nil
}

// EnsureImage pulls the configured browser image if it isn't already
// present locally; call once at startup before the pool's warmup.
func (f *ContainerFactory) EnsureImage(ctx context.Context) error {
	images, err := f.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("chromedriver: list images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == f.opts.Image {
				return nil
			}
		}
	}

	reader, err := f.cli.ImagePull(ctx, f.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("chromedriver: pull image: %w", err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Launch starts a fresh container and returns a Browser bound to its
// DevTools endpoint via chromedp's remote allocator.
func (f *ContainerFactory) Launch(ctx context.Context) (driver.Browser, error) {
	containerConfig := &container.Config{
		Image: f.opts.Image,
		Labels: map[string]string{
			"managed-by": "web2img-browserpool",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{"3000/tcp": struct{}{}},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"3000/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}},
		},
		AutoRemove: false,
		Mounts:     []mount.Mount{},
	}

	resp, err := f.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("chromedriver: create container: %w", err)
	}

	if err := f.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("chromedriver: start container: %w", err)
	}

	inspect, err := f.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("chromedriver: inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports["3000/tcp"]
	if len(bindings) == 0 {
		return nil, fmt.Errorf("chromedriver: container exposed no port binding")
	}
	port := bindings[0].HostPort

	if err := waitForBrowserReady(ctx, port); err != nil {
		_ = f.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, err
	}

	wsURL := fmt.Sprintf("ws://localhost:%s", port)
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), wsURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		_ = f.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("chromedriver: attach to container browser: %w", err)
	}

	return &containerBrowser{
		Browser: Browser{
			allocCtx:     allocCtx,
			allocCancel:  allocCancel,
			browserCtx:   browserCtx,
			browserClose: browserCancel,
			logger:       f.logger,
		},
		cli:         f.cli,
		containerID: resp.ID,
	}, nil
}

// containerBrowser extends Browser with the teardown of its backing
// Docker container on Close.
type containerBrowser struct {
	Browser
	cli         *client.Client
	containerID string
}

func (b *containerBrowser) Close(ctx context.Context) error {
	_ = b.Browser.Close(ctx)
	stopTimeout := 10
	if err := b.cli.ContainerStop(ctx, b.containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		return fmt.Errorf("chromedriver: stop container: %w", err)
	}
	return b.cli.ContainerRemove(ctx, b.containerID, container.RemoveOptions{})
}

func waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/json/version", port)
	const maxRetries = 20

	for i := 0; i < maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := http.DefaultClient.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					time.Sleep(500 * time.Millisecond)
					return nil
				}
			}
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("chromedriver: container browser did not become ready after %d retries", maxRetries)
}
