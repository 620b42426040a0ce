// Package logstream follows a job's pod logs to stdout while the
// backend's wait loop polls for completion. One goroutine is started
// per pod (the leader and, for a multi-host TPU job, its workers),
// joined under a single errgroup so a caller can stop and drain them
// together without managing a WaitGroup and swallowed-error bookkeeping
// by hand.
package logstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes"

	corev1 "k8s.io/api/core/v1"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/sirupsen/logrus"
)

// maxDisplayLines bounds the scrollback kept for the terminal panel
// renderer, so a chatty job can't grow unbounded memory or scrollback.
const maxDisplayLines = 25

// Handle controls a group of in-flight per-pod log streams.
type Handle struct {
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Stop signals every stream goroutine to exit. It does not block; call
// Wait to block until they have actually returned.
func (h *Handle) Stop() {
	h.cancel()
}

// Wait blocks until every stream goroutine has returned. Per-pod
// streaming failures (pod deleted, connection dropped mid-stream) are
// swallowed at the source, matching Kubernetes log-follow semantics
// where the stream simply ends when the container does — so Wait only
// ever returns nil, but exists so callers have a deterministic point to
// join on before declaring the job itself finished.
func (h *Handle) Wait() error {
	return h.group.Wait()
}

// Start begins following logs for every pod in podNames, writing to
// out. The rendering path is chosen once from
// term.IsTerminal(int(os.Stdout.Fd())), whatever out is, and passed to
// each per-pod stream as its isTerminal argument.
func Start(ctx context.Context, client kubernetes.Interface, namespace string, podNames []string, out io.Writer) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	isTerminal := term.IsTerminal(int(os.Stdout.Fd()))
	for _, podName := range podNames {
		podName := podName
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logrus.Errorf("[REMOTE] log streaming from %s panicked: %v", podName, r)
				}
			}()
			streamPod(gctx, client, namespace, podName, out, &mu, isTerminal)
			return nil
		})
	}

	return &Handle{cancel: cancel, group: g}
}

// streamPod follows a single pod's logs until the stream ends or ctx is
// canceled. Errors opening the stream (pod deleted, not found yet) are
// swallowed; anything else is logged as an unexpected warning rather
// than surfaced, since log streaming is best-effort and must never fail
// the job it's attached to.
func streamPod(ctx context.Context, client kubernetes.Interface, namespace, podName string, out io.Writer, mu *sync.Mutex, isTerminal bool) {
	logrus.Infof("[REMOTE] streaming logs from %s...", podName)

	req := client.CoreV1().Pods(namespace).GetLogs(podName, &corev1.PodLogOptions{Follow: true})
	stream, err := req.Stream(ctx)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return
		}
		logrus.WithError(err).Warnf("[REMOTE] log streaming from %s failed unexpectedly", podName)
		return
	}
	defer stream.Close()

	if isTerminal {
		renderLivePanel(stream, podName, out, mu)
	} else {
		renderPlain(stream, podName, out, mu)
	}
}

// renderPlain streams raw lines with a delimiter on each side, for
// piped/non-interactive output where a redrawing panel would just
// produce unreadable escape-code noise.
func renderPlain(r io.Reader, podName string, out io.Writer, mu *sync.Mutex) {
	mu.Lock()
	fmt.Fprintf(out, "── Remote logs (%s) ──\n", podName)
	mu.Unlock()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		mu.Lock()
		fmt.Fprintln(out, line)
		mu.Unlock()
	}

	mu.Lock()
	fmt.Fprintln(out, "── End remote logs ──")
	mu.Unlock()
}

// renderLivePanel keeps a bounded window of the pod's most recent
// lines and redraws it in place as new lines arrive, mirroring a
// terminal live-updating panel without pulling in a full TUI library.
func renderLivePanel(r io.Reader, podName string, out io.Writer, mu *sync.Mutex) {
	title := fmt.Sprintf("Remote logs • %s", podName)
	var lines []string
	linesDrawn := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = appendBounded(lines, scanner.Text())
		mu.Lock()
		linesDrawn = drawPanel(out, title, lines, linesDrawn)
		mu.Unlock()
	}
}

func appendBounded(lines []string, line string) []string {
	lines = append(lines, line)
	if len(lines) > maxDisplayLines {
		lines = lines[len(lines)-maxDisplayLines:]
	}
	return lines
}

// drawPanel erases the previously drawn block (linesDrawn lines) and
// prints the current one, returning its line count for the next call.
func drawPanel(out io.Writer, title string, lines []string, linesDrawn int) int {
	content := lines
	if len(content) == 0 {
		content = []string{"Waiting for output..."}
	}

	if linesDrawn > 0 {
		fmt.Fprintf(out, "\033[%dA\033[J", linesDrawn)
	}
	fmt.Fprintf(out, "┌─ %s\n", title)
	for _, line := range content {
		fmt.Fprintf(out, "│ %s\n", line)
	}
	fmt.Fprintln(out, "└─")
	return len(content) + 2
}
