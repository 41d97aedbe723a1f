package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/wadispatch/internal/whatsapp"
)

type SessionCmd struct {
	New   SessionNewCmd   `cmd:"" help:"Create a session and print its handle"`
	Login SessionLoginCmd `cmd:"" help:"Log a session in by scanning a QR code in the terminal"`
	Auth  SessionAuthCmd  `cmd:"" help:"Check whether a session is logged in"`
}

type SessionNewCmd struct {
	Session SessionFlags `embed:""`
	Browser BrowserFlags `embed:"" prefix:"browser-"`
}

func (s *SessionNewCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	svc, err := newService(s.Session, s.Browser)
	if err != nil {
		return err
	}

	sess, err := svc.StartSession(ctx)
	if err != nil {
		return err
	}

	fmt.Println(sess.Handle)
	return nil
}

type SessionLoginCmd struct {
	Handle string `arg:"" optional:"" help:"session handle, a new session is created when omitted"`

	Session SessionFlags `embed:""`
	Browser BrowserFlags `embed:"" prefix:"browser-"`
}

func (s *SessionLoginCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	svc, err := newService(s.Session, s.Browser)
	if err != nil {
		return err
	}

	return login(ctx, svc, s.Handle, os.Stdout)
}

// login prints a QR code for the session to out and waits for it to be
// scanned. An empty handle starts a new session first.
func login(ctx context.Context, svc *whatsapp.Service, handle string, out io.Writer) error {
	if handle == "" {
		sess, err := svc.StartSession(ctx)
		if err != nil {
			return err
		}
		handle = sess.Handle
		fmt.Fprintf(out, "session: %s\n", handle)
	}

	id, err := svc.Resolve(handle)
	if err != nil {
		return err
	}

	qr, err := svc.OpenQR(ctx, id)
	if err != nil {
		return err
	}

	qrterminal.GenerateHalfBlock(qr.Code, qrterminal.L, out)
	fmt.Fprintln(out, "Scan the code with the phone's linked devices screen")

	if err := qr.AwaitScan(ctx); err != nil {
		return err
	}

	log.Info().Str("session_id", id).Msg("Session logged in")
	fmt.Fprintln(out, "logged in")
	return nil
}

type SessionAuthCmd struct {
	Handle string `arg:"" help:"session handle"`

	Session SessionFlags `embed:""`
	Browser BrowserFlags `embed:"" prefix:"browser-"`
}

func (s *SessionAuthCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	svc, err := newService(s.Session, s.Browser)
	if err != nil {
		return err
	}

	id, err := svc.Resolve(s.Handle)
	if err != nil {
		return err
	}

	authenticated, err := svc.CheckAuth(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("authenticated: %t\n", authenticated)
	return nil
}
