package certauth

import (
	"crypto/x509"
	stderrors "errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/audit"
	"github.com/longyi-brownie/brownie-metadata-database/internal/config"
	"github.com/longyi-brownie/brownie-metadata-database/internal/errors"
	"github.com/longyi-brownie/brownie-metadata-database/internal/metrics"
	"github.com/longyi-brownie/brownie-metadata-database/internal/model"
)

// internalDefaultPrincipal names the synthetic identity granted to trusted-network
// connections that present no certificate.
const internalDefaultPrincipal = "internal-default"

// Authenticator validates inbound connection certificates against a trust
// store and derives a Principal. Authentication is synchronous and idempotent
// per connection attempt; a failed attempt never mutates trust or principal
// state.
type Authenticator struct {
	trustStore       *TrustStore
	roleMap          map[string]string
	internalNetworks []netip.Prefix
	internalRole     string
	sink             audit.Sink
	metrics          *metrics.Metrics
	logger           *zap.Logger
}

// NewAuthenticator creates a certificate authenticator from auth configuration
func NewAuthenticator(
	trustStore *TrustStore,
	cfg config.AuthConfig,
	sink audit.Sink,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*Authenticator, error) {
	networks := make([]netip.Prefix, 0, len(cfg.InternalNetworks))
	for _, cidr := range cfg.InternalNetworks {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid internal network %q: %w", cidr, err)
		}
		networks = append(networks, prefix)
	}

	roleMap := make(map[string]string, len(cfg.RoleMap))
	for cn, role := range cfg.RoleMap {
		roleMap[cn] = role
	}

	return &Authenticator{
		trustStore:       trustStore,
		roleMap:          roleMap,
		internalNetworks: networks,
		internalRole:     cfg.InternalRole,
		sink:             sink,
		metrics:          m,
		logger:           logger,
	}, nil
}

// Authenticate validates the presented certificate chain (leaf first, DER
// encoded) for a connection from peerAddr and derives a Principal. All
// failures are terminal for the connection attempt; the core never retries.
func (a *Authenticator) Authenticate(presentedChain [][]byte, peerAddr string) (*model.Principal, error) {
	origin := a.originOf(peerAddr)

	if len(presentedChain) == 0 {
		// Fail-open only for the explicit, narrow internal case
		if origin == model.OriginInternal && a.internalRole != "" {
			principal := &model.Principal{
				CommonName: internalDefaultPrincipal,
				Origin:     model.OriginInternal,
				Role:       a.internalRole,
			}
			a.record(principal.CommonName, origin, "granted_internal_default", nil)
			return principal, nil
		}
		err := errors.CredentialsRequired(peerAddr)
		a.record("", origin, "credentials_required", err)
		return nil, err
	}

	certs := make([]*x509.Certificate, 0, len(presentedChain))
	for _, raw := range presentedChain {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			coreErr := errors.UntrustedChain(fmt.Errorf("failed to parse certificate: %w", err))
			a.record("", origin, "untrusted_chain", coreErr)
			return nil, coreErr
		}
		certs = append(certs, cert)
	}

	leaf := certs[0]
	commonName := leaf.Subject.CommonName

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         a.trustStore.Pool(),
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		coreErr := a.classifyVerifyError(commonName, err)
		a.record(commonName, origin, coreErr.Code.Kind(), coreErr)
		return nil, coreErr
	}

	serial := strings.ToUpper(leaf.SerialNumber.Text(16))
	if a.trustStore.IsRevoked(serial) {
		coreErr := errors.CertRevoked(commonName, serial)
		a.record(commonName, origin, "revoked", coreErr)
		return nil, coreErr
	}

	role, ok := a.roleMap[commonName]
	if !ok {
		coreErr := errors.UnknownPrincipal(commonName)
		a.record(commonName, origin, "unknown_principal", coreErr)
		return nil, coreErr
	}

	principal := &model.Principal{
		CommonName: commonName,
		Origin:     origin,
		Role:       role,
	}
	a.record(commonName, origin, "granted", nil)
	return principal, nil
}

// originOf classifies the peer address against the trusted network ranges
func (a *Authenticator) originOf(peerAddr string) model.Origin {
	host := peerAddr
	if h, _, err := net.SplitHostPort(peerAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return model.OriginExternal
	}
	for _, network := range a.internalNetworks {
		if network.Contains(addr) {
			return model.OriginInternal
		}
	}
	return model.OriginExternal
}

// classifyVerifyError maps x509 verification failures onto the auth taxonomy
func (a *Authenticator) classifyVerifyError(commonName string, err error) *errors.CoreError {
	var invalidErr x509.CertificateInvalidError
	if stderrors.As(err, &invalidErr) && invalidErr.Reason == x509.Expired {
		return errors.CertExpired(commonName, err)
	}
	return errors.UntrustedChain(err)
}

// record emits the audit event and outcome metric for one attempt
func (a *Authenticator) record(commonName string, origin model.Origin, outcome string, err error) {
	a.sink.Emit(audit.Event{
		Kind:      audit.KindAuth,
		Principal: commonName,
		Origin:    string(origin),
		Outcome:   outcome,
	})
	if a.metrics != nil {
		a.metrics.AuthAttemptsTotal.WithLabelValues(string(origin), outcome).Inc()
	}
	if err != nil {
		a.logger.Debug("Authentication rejected",
			zap.String("common_name", commonName),
			zap.String("origin", string(origin)),
			zap.String("outcome", outcome),
			zap.Error(err))
	}
}
