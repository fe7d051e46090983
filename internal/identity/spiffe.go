package identity

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// WorkloadVerifier holds this workload's SVID from the SPIRE agent and builds
// mTLS client configs for dialing internal services such as the threshold
// tuner. Peers outside our trust domain are rejected.
type WorkloadVerifier struct {
	source *workloadapi.X509Source
}

// NewWorkloadVerifier connects to the SPIRE agent at socketPath. The dial is
// bounded so a missing agent fails startup quickly instead of hanging.
func NewWorkloadVerifier(ctx context.Context, socketPath string) (*WorkloadVerifier, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		dialCtx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to SPIRE agent: %w", err)
	}

	slog.Info("connected to SPIRE agent", "socket_path", socketPath)
	return &WorkloadVerifier{source: source}, nil
}

// TrustDomain returns the trust domain of our own SVID.
func (wv *WorkloadVerifier) TrustDomain() (spiffeid.TrustDomain, error) {
	svid, err := wv.source.GetX509SVID()
	if err != nil {
		return spiffeid.TrustDomain{}, fmt.Errorf("fetching workload SVID: %w", err)
	}
	return svid.ID.TrustDomain(), nil
}

// MTLSClientConfig returns a TLS config that presents our SVID and only
// accepts peers from the same trust domain.
func (wv *WorkloadVerifier) MTLSClientConfig() (*tls.Config, error) {
	td, err := wv.TrustDomain()
	if err != nil {
		return nil, err
	}
	return tlsconfig.MTLSClientConfig(wv.source, wv.source, tlsconfig.AuthorizeMemberOf(td)), nil
}

func (wv *WorkloadVerifier) Close() error {
	return wv.source.Close()
}
