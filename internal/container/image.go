package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"
	goarchive "github.com/moby/go-archive"
)

// BuildAgentImage builds Dockerfile.agent from dir (the working directory
// when empty) and tags it imageName.
func BuildAgentImage(ctx context.Context, docker *client.Client, dir, imageName string) error {
	if dir == "" {
		dir, _ = os.Getwd()
	}

	tar, err := goarchive.TarWithOptions(dir, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer tar.Close()

	resp, err := docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{imageName},
		Dockerfile: "Dockerfile.agent",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	if err := readBuildOutput(resp.Body); err != nil {
		return fmt.Errorf("build image %s: %w", imageName, err)
	}

	slog.Info("agent image built", "image", imageName)
	return nil
}

// readBuildOutput consumes the daemon's JSON progress stream. A failed
// build still answers 200, with the failure in an error message.
func readBuildOutput(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read build output: %w", err)
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			slog.Debug("image build", "output", line)
		}
	}
}
