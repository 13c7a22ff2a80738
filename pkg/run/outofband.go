package run

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codalab/worker-agent/pkg/log"
	"github.com/codalab/worker-agent/pkg/types"
)

// OutOfBandClient is the subset of bundleservice.Client an out-of-band
// operation needs to relay bytes back to the requester.
type OutOfBandClient interface {
	OpenReadSocket(ctx context.Context, socketID string) (io.ReadWriteCloser, error)
}

// OutOfBand executes the read/netcat/write control messages a check-in
// response may carry, each against one run's working directory. Every
// call runs off a Run's state-machine driver — the worker dispatches
// these onto its own bounded pool rather than blocking Drive.
type OutOfBand struct {
	client OutOfBandClient
}

// NewOutOfBand creates an out-of-band executor backed by client.
func NewOutOfBand(client OutOfBandClient) *OutOfBand {
	return &OutOfBand{client: client}
}

// Read streams workingDir/msg.Path back to the requester's socket. A
// directory is streamed as a tar archive; a file is streamed raw.
func (o *OutOfBand) Read(ctx context.Context, workingDir string, msg types.Message) error {
	target, err := resolveWithinWorkingDir(workingDir, msg.Path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	socket, err := o.client.OpenReadSocket(ctx, msg.SocketID)
	if err != nil {
		return fmt.Errorf("read: open socket %s: %w", msg.SocketID, err)
	}
	defer socket.Close()

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("read: stat %s: %w", target, err)
	}

	if info.IsDir() {
		return streamDirectoryAsTar(target, socket)
	}

	f, err := os.Open(target)
	if err != nil {
		return fmt.Errorf("read: open %s: %w", target, err)
	}
	defer f.Close()

	_, err = io.Copy(socket, f)
	return err
}

func streamDirectoryAsTar(root string, dst io.Writer) error {
	tw := tar.NewWriter(dst)
	defer tw.Close()

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// Netcat dials containerIP:msg.Port, writes msg.InitMessage, and relays
// bytes bidirectionally between the container connection and the
// requester's socket until either side closes.
func (o *OutOfBand) Netcat(ctx context.Context, containerIP string, msg types.Message) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", containerIP, msg.Port))
	if err != nil {
		return fmt.Errorf("netcat: dial %s:%d: %w", containerIP, msg.Port, err)
	}
	defer conn.Close()

	if len(msg.InitMessage) > 0 {
		if _, err := conn.Write(msg.InitMessage); err != nil {
			return fmt.Errorf("netcat: write init message: %w", err)
		}
	}

	socket, err := o.client.OpenReadSocket(ctx, msg.SocketID)
	if err != nil {
		return fmt.Errorf("netcat: open socket %s: %w", msg.SocketID, err)
	}
	defer socket.Close()

	errCh := make(chan error, 2)
	go func() { _, err := io.Copy(socket, conn); errCh <- err }()
	go func() { _, err := io.Copy(conn, socket); errCh <- err }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Write overwrites workingDir/msg.Subpath with msg.Content, creating
// parent directories as needed. Intended for small control files, not
// run output artifacts.
func (o *OutOfBand) Write(ctx context.Context, workingDir string, msg types.Message) error {
	target, err := resolveWithinWorkingDir(workingDir, msg.Subpath)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("write: mkdir: %w", err)
	}

	if err := os.WriteFile(target, msg.Content, 0o644); err != nil {
		return fmt.Errorf("write: %s: %w", target, err)
	}

	log.WithComponent("run").Debug().Str("path", target).Int("bytes", len(msg.Content)).Msg("wrote control file")
	return nil
}

// resolveWithinWorkingDir joins subpath onto workingDir and rejects any
// result that escapes it, guarding against a malicious or malformed
// subpath traversing out of the run's sandbox.
func resolveWithinWorkingDir(workingDir, subpath string) (string, error) {
	joined := filepath.Join(workingDir, subpath)
	rel, err := filepath.Rel(workingDir, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %q escapes working directory", subpath)
	}
	return joined, nil
}
