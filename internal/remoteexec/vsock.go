package remoteexec

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/kbisect/kbisect/internal/domain"
)

// VsockTransport runs operations over an AF_VSOCK channel, for hosts
// reachable only through a hypervisor's vsock device (a nested-virt test
// host with no routable network interface). Host.Address is the decimal
// context ID of the guest.
//
// The wire protocol is a small length-prefixed framing on top of the raw
// vsock stream: one request frame, then a sequence of response frames
// until a terminal exit frame. There is no multiplexing — one connection
// serves exactly one Run call, matching the SSH transport's
// session-per-call shape.
type VsockTransport struct {
	port uint32
}

// NewVsockTransport returns a transport that dials the given vsock port
// on every host's context ID.
func NewVsockTransport(port uint32) *VsockTransport {
	return &VsockTransport{port: port}
}

type vsockRequest struct {
	Op       string   `json:"op"`
	Args     []string `json:"args"`
	StdinLen int64    `json:"stdin_len"`
}

const (
	frameOutput byte = 0
	frameExit   byte = 1
)

func (t *VsockTransport) Run(ctx context.Context, host domain.Host, opName string, args []string, stdin io.Reader, timeout time.Duration) (*Result, error) {
	cid, err := strconv.ParseUint(host.Address, 10, 32)
	if err != nil {
		return nil, domain.NewError(domain.ErrConfigInvalid, fmt.Errorf("host %s: vsock address must be a context id: %w", host.ID, err))
	}

	conn, err := vsock.Dial(uint32(cid), t.port, nil)
	if err != nil {
		return nil, domain.NewError(domain.ErrRemoteUnreachable, fmt.Errorf("dial vsock cid %d port %d: %w", cid, t.port, err))
	}

	var stdinBuf []byte
	if stdin != nil {
		stdinBuf, err = io.ReadAll(stdin)
		if err != nil {
			conn.Close()
			return nil, domain.NewError(domain.ErrRemoteChannelLost, fmt.Errorf("buffer stdin: %w", err))
		}
	}

	req := vsockRequest{Op: opName, Args: args, StdinLen: int64(len(stdinBuf))}
	if err := writeFrame(conn, req); err != nil {
		conn.Close()
		return nil, domain.NewError(domain.ErrRemoteChannelLost, fmt.Errorf("send request: %w", err))
	}
	if len(stdinBuf) > 0 {
		if _, err := conn.Write(stdinBuf); err != nil {
			conn.Close()
			return nil, domain.NewError(domain.ErrRemoteChannelLost, fmt.Errorf("send stdin: %w", err))
		}
	}

	pr, pw := io.Pipe()
	exitCh := make(chan int, 1)
	errCh := make(chan error, 1)

	go func() {
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			kind, payload, err := readFrame(r)
			if err != nil {
				pw.CloseWithError(err)
				errCh <- err
				return
			}
			switch kind {
			case frameOutput:
				if _, err := pw.Write(payload); err != nil {
					errCh <- err
					return
				}
			case frameExit:
				code := int(binary.BigEndian.Uint32(payload))
				pw.Close()
				exitCh <- code
				errCh <- nil
				return
			}
		}
	}()

	deadline, cancel := context.WithTimeout(ctx, timeout)
	go func() {
		<-deadline.Done()
		if deadline.Err() == context.DeadlineExceeded {
			conn.Close()
		}
	}()

	return &Result{
		Output: pr,
		closeFn: func() (int, error) {
			defer cancel()
			werr := <-errCh
			if deadline.Err() == context.DeadlineExceeded {
				return -1, domain.NewError(domain.ErrRemoteChannelLost, fmt.Errorf("%s timed out after %s", opName, timeout))
			}
			if werr != nil && werr != io.EOF {
				return -1, domain.NewError(domain.ErrRemoteChannelLost, werr)
			}
			select {
			case code := <-exitCh:
				return code, nil
			default:
				return -1, domain.NewError(domain.ErrRemoteChannelLost, fmt.Errorf("%s: connection closed before exit frame", opName))
			}
		},
	}, nil
}

// Close is a no-op: the vsock transport holds no per-host state between
// calls, unlike the SSH transport's cached client.
func (t *VsockTransport) Close(host domain.Host) error { return nil }

func writeFrame(w io.Writer, req vsockRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readFrame(r *bufio.Reader) (byte, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	kind := hdr[0]
	n := binary.BigEndian.Uint32(hdr[1:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return kind, payload, nil
}
