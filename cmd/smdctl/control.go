//go:build unix

package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/activation"
	"gopkg.in/tomb.v2"

	"github.com/ardnew/smdlink/channel"
	"github.com/ardnew/smdlink/modem"
	"github.com/ardnew/smdlink/pkg"
	"github.com/ardnew/smdlink/pkg/prof"
	"github.com/ardnew/smdlink/pm"
)

// The control protocol is line oriented. A request is one line; a reply
// is "ok <n>\n" followed by n bytes of body, or "error <message>\n".
//
// Requests:
//
//	<command>          a modem control command (cp_on, cp_reset, ...)
//	status             modem and link state
//	clear-retry        reset the escalation counter of modem resets
//	suspend            enter system suspend (refused while the modem holds its wake lock)
//	resume             leave system suspend
//	stats              counters of every endpoint
//	profile <name>     a runtime profile as text (profile builds only)

// requestTimeout bounds one control request; a power cycle sleeps through
// several settle delays.
const requestTimeout = 30 * time.Second

// DefaultSocket is where serve listens when not socket activated.
const DefaultSocket = "/run/smdlink/control.sock"

type modemControl interface {
	Control(ctx context.Context, cmd modem.Command) (int, error)
	State() modem.State
	Retries() int
	ClearRetry()
	WakeLocked() bool
}

type linkStatus interface {
	State() pm.State
	Failures() int
	Escalations() int
}

// systemPower is the system suspend surface of the session.
type systemPower interface {
	SystemSuspend() error
	SystemResume()
}

// dispatcher answers control requests.
type dispatcher struct {
	modem     modemControl
	link      linkStatus
	power     systemPower
	endpoints func() []channel.Endpoint
}

func (d *dispatcher) handle(ctx context.Context, req string) ([]byte, error) {
	fields := strings.Fields(req)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty request", pkg.ErrInvalidParameter)
	}

	switch fields[0] {
	case "status":
		return []byte(fmt.Sprintf("modem=%s retries=%d wake-lock=%t link=%s failures=%d escalations=%d\n",
			d.modem.State(), d.modem.Retries(), d.modem.WakeLocked(),
			d.link.State(), d.link.Failures(), d.link.Escalations())), nil

	case "clear-retry":
		d.modem.ClearRetry()
		return nil, nil

	case "suspend":
		if err := d.power.SystemSuspend(); err != nil {
			return nil, err
		}
		pkg.LogInfo(component, "system suspend", "link", d.link.State())
		return nil, nil

	case "resume":
		d.power.SystemResume()
		pkg.LogInfo(component, "system resume", "link", d.link.State())
		return nil, nil

	case "stats":
		var b bytes.Buffer
		for _, ep := range d.endpoints() {
			st := ep.Stats()
			fmt.Fprintf(&b, "%s state=%s rx=%d/%dB tx=%d/%dB dropped=%d queued=%d errors=%d resyncs=%d\n",
				ep.Name(), ep.State(), st.RxRecords, st.RxBytes, st.TxRecords, st.TxBytes,
				st.RxDropped, st.TxQueued, st.TxErrors, st.Decode.Resyncs)
		}
		return b.Bytes(), nil

	case "profile":
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: usage: profile <name>", pkg.ErrInvalidParameter)
		}
		p, err := prof.ParseProfile(fields[1])
		if err != nil {
			return nil, err
		}
		var b bytes.Buffer
		if err := prof.Dump(p, &b); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	}

	cmd, err := modem.ParseCommand(fields[0])
	if err != nil {
		return nil, err
	}
	n, err := d.modem.Control(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return []byte(strconv.Itoa(n) + "\n"), nil
}

// controlServer accepts control connections until closed.
type controlServer struct {
	l net.Listener
	d *dispatcher
	t tomb.Tomb
}

// listen returns the socket-activated listener for path if systemd passed
// one, and otherwise binds path itself.
func listen(path string) (net.Listener, error) {
	listeners, err := activation.Listeners(false)
	if err != nil {
		return nil, err
	}
	for _, l := range listeners {
		if l.Addr().String() == path {
			pkg.LogDebug(component, "control socket activated", "path", path)
			return l, nil
		}
		l.Close()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o660); err != nil {
		l.Close()
		return nil, err
	}
	pkg.LogDebug(component, "control socket not activated; listening", "path", path)
	return l, nil
}

func serveControl(l net.Listener, d *dispatcher) *controlServer {
	s := &controlServer{l: l, d: d}
	s.t.Go(s.accept)
	return s
}

func (s *controlServer) accept() error {
	s.t.Go(func() error {
		<-s.t.Dying()
		return s.l.Close()
	})
	for {
		conn, err := s.l.Accept()
		if err != nil {
			select {
			case <-s.t.Dying():
				return nil
			default:
				return err
			}
		}
		s.t.Go(func() error {
			s.serve(conn)
			return nil
		})
	}
}

func (s *controlServer) serve(conn net.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.t.Dying():
		case <-done:
		}
		conn.Close()
	}()

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		req := strings.TrimSpace(sc.Text())
		pkg.LogDebug(component, "control request", "req", req)

		ctx, cancel := context.WithTimeout(s.t.Context(context.Background()), requestTimeout)
		body, err := s.d.handle(ctx, req)
		cancel()

		if err != nil {
			_, err = fmt.Fprintf(conn, "error %s\n", strings.ReplaceAll(err.Error(), "\n", " "))
		} else {
			_, err = fmt.Fprintf(conn, "ok %d\n%s", len(body), body)
		}
		if err != nil {
			return
		}
	}
}

// Close stops accepting and drops every open connection.
func (s *controlServer) Close() error {
	s.t.Kill(nil)
	return s.t.Wait()
}

// request sends one request on the control socket at path and returns the
// reply body.
func request(ctx context.Context, path, req string) ([]byte, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", req); err != nil {
		return nil, err
	}
	return readReply(bufio.NewReader(conn))
}

func readReply(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: reply: %v", pkg.ErrProtocol, err)
	}
	line = strings.TrimSuffix(line, "\n")

	status, rest, _ := strings.Cut(line, " ")
	switch status {
	case "ok":
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: reply length %q", pkg.ErrProtocol, rest)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("%w: reply body: %v", pkg.ErrProtocol, err)
		}
		return body, nil
	case "error":
		return nil, errors.New(rest)
	default:
		return nil, fmt.Errorf("%w: reply %q", pkg.ErrProtocol, line)
	}
}
