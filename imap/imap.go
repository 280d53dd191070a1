// Package imap appends exported messages to a mailbox on an IMAP server.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// DefaultFolder receives messages when no target folder is configured.
const DefaultFolder = "INBOX"

var ErrEmptyMessage = errors.New("message is empty")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	DryRun             bool
}

// Appender uploads messages over one lazily opened connection. It is safe
// for concurrent use; appends are serialised.
type Appender struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	client  *imapclient.Client
	cleanup func()
	count   int
}

func NewAppender(opts Options, logger *slog.Logger) (*Appender, error) {
	if !opts.DryRun {
		if opts.Host == "" {
			return nil, fmt.Errorf("imap host is empty")
		}
		if opts.Port <= 0 {
			return nil, fmt.Errorf("imap port must be positive")
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Appender{opts: opts, logger: logger}, nil
}

// Append stores raw in the target folder. The first call connects, logs in
// and creates the folder when missing. id is only used for logging.
func (a *Appender) Append(ctx context.Context, id string, raw []byte, date time.Time) error {
	if len(raw) == 0 {
		return fmt.Errorf("append %s: %w", id, ErrEmptyMessage)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.opts.DryRun {
		a.count++
		a.logger.Info("dry-run append", "id", id, "target", a.targetFolder(), "size", len(raw))
		return nil
	}

	if a.client == nil {
		client, cleanup, err := a.dial(ctx)
		if err != nil {
			return err
		}
		a.client, a.cleanup = client, cleanup
	}

	if err := a.appendMessage(a.client, raw, date); err != nil {
		return fmt.Errorf("append message %s: %w", id, err)
	}
	a.count++
	a.logger.Debug("appended message", "id", id, "target", a.targetFolder(), "size", len(raw))
	return nil
}

// Appended returns the number of messages stored so far, dry runs included.
func (a *Appender) Appended() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Close logs out and drops the connection if one was opened.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cleanup != nil {
		a.cleanup()
		a.client, a.cleanup = nil, nil
	}
	return nil
}

func (a *Appender) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(a.opts.Host, strconv.Itoa(a.opts.Port))
	options := &imapclient.Options{}

	if a.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         a.opts.Host,
			InsecureSkipVerify: a.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if a.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(a.opts.Username, a.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if err := a.ensureMailbox(client); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	a.logger.Debug("imap connection established", "address", address, "user", a.opts.Username, "target", a.targetFolder(), "tls", a.opts.UseTLS)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				a.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			a.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (a *Appender) appendMessage(client *imapclient.Client, raw []byte, date time.Time) error {
	var opts *imapv2.AppendOptions
	if !date.IsZero() {
		opts = &imapv2.AppendOptions{Time: date}
	}

	cmd := client.Append(a.targetFolder(), int64(len(raw)), opts)

	remaining := raw
	for len(remaining) > 0 {
		n, err := cmd.Write(remaining)
		if err != nil {
			_ = cmd.Close()
			return fmt.Errorf("append write: %w", err)
		}
		if n == 0 {
			_ = cmd.Close()
			return fmt.Errorf("append write: wrote 0 bytes")
		}
		remaining = remaining[n:]
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}
	return nil
}

func (a *Appender) targetFolder() string {
	if a.opts.TargetFolder == "" {
		return DefaultFolder
	}
	return a.opts.TargetFolder
}

func (a *Appender) ensureMailbox(client *imapclient.Client) error {
	target := a.targetFolder()
	if err := client.Create(target, nil).Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeAlreadyExists {
			a.logger.Debug("imap mailbox already exists", "mailbox", target)
			return nil
		}
		return fmt.Errorf("ensure mailbox %s: %w", target, err)
	}
	a.logger.Info("imap mailbox created", "mailbox", target)
	return nil
}
