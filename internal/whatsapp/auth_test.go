package whatsapp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/wadispatch/internal/browser/browsertest"
)

func TestAuthenticator_IsAuthenticated(t *testing.T) {
	ctx := context.Background()
	auth := NewAuthenticator(testSelectors, testTimeouts())

	t.Run("only QR marker reachable", func(t *testing.T) {
		p := browsertest.NewPage()
		p.Show(testSelectors.QRCode)
		require.False(t, auth.IsAuthenticated(ctx, p))
	})

	t.Run("only chat marker reachable", func(t *testing.T) {
		p := browsertest.NewPage()
		p.Show(testSelectors.InsideChat)
		require.True(t, auth.IsAuthenticated(ctx, p))
	})

	t.Run("both reachable, QR settles first", func(t *testing.T) {
		p := browsertest.NewPage()
		p.Show(testSelectors.QRCode)
		p.Show(testSelectors.InsideChat)
		release := p.Hold(testSelectors.InsideChat)
		defer release()

		require.False(t, auth.IsAuthenticated(ctx, p))
	})

	t.Run("both reachable, chat settles first", func(t *testing.T) {
		p := browsertest.NewPage()
		p.Show(testSelectors.QRCode)
		p.Show(testSelectors.InsideChat)
		release := p.Hold(testSelectors.QRCode)
		defer release()

		require.True(t, auth.IsAuthenticated(ctx, p))
	})

	t.Run("chat probe fails first", func(t *testing.T) {
		p := browsertest.NewPage()
		p.Fail(testSelectors.InsideChat, errors.New("evaluation failed"))
		require.False(t, auth.IsAuthenticated(ctx, p))
	})

	t.Run("nothing appears within the probe timeout", func(t *testing.T) {
		p := browsertest.NewPage()
		started := time.Now()
		require.False(t, auth.IsAuthenticated(ctx, p))
		require.GreaterOrEqual(t, time.Since(started), testTimeouts().AuthProbe)
	})

	t.Run("closed page", func(t *testing.T) {
		p := browsertest.NewPage()
		require.NoError(t, p.Close())
		require.False(t, auth.IsAuthenticated(ctx, p))
	})
}

func TestAuthenticator_Determine(t *testing.T) {
	ctx := context.Background()
	auth := NewAuthenticator(testSelectors, testTimeouts())

	p := browsertest.NewPage()
	p.Show(testSelectors.QRCode)
	require.Equal(t, StateAwaitingScan, auth.Determine(ctx, p))

	p = browsertest.NewPage()
	p.Show(testSelectors.InsideChat)
	require.Equal(t, StateAuthenticated, auth.Determine(ctx, p))

	require.Equal(t, "unknown", StateUnknown.String())
}

func TestAuthenticator_QRCode(t *testing.T) {
	ctx := context.Background()
	auth := NewAuthenticator(testSelectors, testTimeouts())

	t.Run("returns payload", func(t *testing.T) {
		p := browsertest.NewPage()
		unauthenticatedPage(p, "2@abc,def,ghi")

		code, err := auth.QRCode(ctx, p)
		require.NoError(t, err)
		require.Equal(t, "2@abc,def,ghi", code)
	})

	t.Run("already authenticated", func(t *testing.T) {
		p := browsertest.NewPage()
		p.Show(testSelectors.InsideChat)
		p.Show(testSelectors.QRCode)
		release := p.Hold(testSelectors.QRCode)
		defer release()

		_, err := auth.QRCode(ctx, p)
		require.ErrorIs(t, err, ErrAuthentication)
	})

	t.Run("element without payload", func(t *testing.T) {
		p := browsertest.NewPage()
		p.Show(testSelectors.QRCode)

		_, err := auth.QRCode(ctx, p)
		require.ErrorIs(t, err, ErrQRCodeRetrieval)
		require.True(t, IsRetriable(err))
	})

	t.Run("element never appears", func(t *testing.T) {
		p := browsertest.NewPage()

		_, err := auth.QRCode(ctx, p)
		require.ErrorIs(t, err, ErrQRCodeRetrieval)
	})
}

func TestAuthenticator_AwaitScan(t *testing.T) {
	ctx := context.Background()
	auth := NewAuthenticator(testSelectors, testTimeouts())

	t.Run("scanned", func(t *testing.T) {
		p := browsertest.NewPage()
		go func() {
			time.Sleep(10 * time.Millisecond)
			p.Show(testSelectors.InsideChat)
		}()
		require.NoError(t, auth.AwaitScan(ctx, p))
	})

	t.Run("not scanned in time", func(t *testing.T) {
		p := browsertest.NewPage()
		err := auth.AwaitScan(ctx, p)
		require.ErrorIs(t, err, ErrTimeout)
		require.True(t, IsRetriable(err))
	})
}
