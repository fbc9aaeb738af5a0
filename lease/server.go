package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/addr"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/config"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/control"
	"github.com/leonitousconforti/the-wireguard-effect-sub000/key"
	"go.uber.org/zap"
)

// Device is the tunnel a Server adds leased peers to.
type Device interface {
	Controller
	AddPeer(ctx context.Context, p config.Peer) error
}

// Grant is what a peer needs to configure its side of the tunnel.
type Grant struct {
	// Address is the leased address with the mask of the block.
	Address         addr.CidrBlock
	ServerPublicKey key.Key
	Endpoint        *addr.Endpoint
	AllowedIPs      []addr.CidrBlock
	// PersistentKeepalive is in whole seconds.
	PersistentKeepalive int
}

// Config builds the peer's tunnel configuration from g.
func (g Grant) Config(privateKey key.Key) (config.Config, error) {
	return config.New(config.Config{
		Address:    g.Address,
		PrivateKey: privateKey,
		Peers: []config.Peer{{
			PublicKey:           g.ServerPublicKey,
			Endpoint:            g.Endpoint,
			AllowedIPs:          g.AllowedIPs,
			PersistentKeepalive: time.Duration(g.PersistentKeepalive) * time.Second,
		}},
	})
}

// Server leases addresses over HTTP and adds the leasing peers to Device.
type Server struct {
	mux    *http.ServeMux
	pool   *Pool
	device Device

	publicKey key.Key
	endpoint  *addr.Endpoint
	keepalive time.Duration
}

type ServerOptions struct {
	// PublicKey is the key of the tunnel peers connect to.
	PublicKey key.Key
	// Endpoint peers dial; nil if they cannot reach the server on their own.
	Endpoint *addr.Endpoint
	// Keepalive is handed to peers.
	Keepalive time.Duration
}

func NewServer(pool *Pool, device Device, opts ServerOptions) *Server {
	if pool == nil || device == nil {
		panic("lease.NewServer: pool and device must not be nil")
	}
	s := &Server{
		mux:       http.NewServeMux(),
		pool:      pool,
		device:    device,
		publicKey: opts.PublicKey,
		endpoint:  opts.Endpoint,
		keepalive: opts.Keepalive,
	}
	s.setup()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) setup() {
	s.mux.HandleFunc("GET /v1/leases", s.getLeases)
	s.mux.HandleFunc("POST /v1/leases/{publicKey}", s.postLease)
	s.mux.HandleFunc("DELETE /v1/leases/{publicKey}", s.deleteLease)
}

// LeaseResponse is one entry of GET /v1/leases.
type LeaseResponse struct {
	PublicKey key.Key
	Address   addr.Address
}

func (s *Server) getLeases(w http.ResponseWriter, r *http.Request) {
	leases, err := s.pool.Leases()
	if err != nil {
		zap.S().Errorf("listing leases: %s", err)
		http.Error(w, "listing leases failed", 500)
		return
	}
	resp := make([]LeaseResponse, len(leases))
	for i, l := range leases {
		resp[i] = LeaseResponse(l)
	}
	writeJSON(w, resp)
}

// publicKey reads the hex public key from the path. If this returns false, abort the request.
func publicKey(w http.ResponseWriter, r *http.Request) (key.Key, bool) {
	k, err := key.ParseHex(r.PathValue("publicKey"))
	if err != nil {
		http.Error(w, fmt.Sprintf("bad public key: %s", err), 400)
		return key.Key{}, false
	}
	return k, true
}

func (s *Server) postLease(w http.ResponseWriter, r *http.Request) {
	k, ok := publicKey(w, r)
	if !ok {
		return
	}
	if k == s.publicKey {
		http.Error(w, "public key of the server", 400)
		return
	}
	a, created, err := s.pool.Lease(r.Context(), k)
	if errors.Is(err, ErrExhausted) {
		http.Error(w, err.Error(), 503)
		return
	}
	if err != nil {
		zap.S().Errorf("leasing to %s: %s", k, err)
		http.Error(w, "leasing failed", 500)
		return
	}
	err = s.device.AddPeer(r.Context(), config.Peer{
		PublicKey:  k,
		AllowedIPs: []addr.CidrBlock{addr.Host(a)},
	})
	if err != nil && !errors.Is(err, control.ErrPeerExists) {
		zap.S().Errorf("adding peer %s: %s", k, err)
		// a lease from an earlier request stays; the client can retry
		if created {
			err2 := s.pool.Release(k)
			if err2 != nil {
				zap.S().Infof("cleanup: undoing: leasing %s to %s failed: %s", a, k, err2)
			}
		}
		http.Error(w, "adding peer failed", 502)
		return
	}
	block := s.pool.Block()
	writeJSON(w, Grant{
		Address:             addr.CidrBlock{Address: a, Mask: block.Mask},
		ServerPublicKey:     s.publicKey,
		Endpoint:            s.endpoint,
		AllowedIPs:          []addr.CidrBlock{{Address: block.NetworkAddress(), Mask: block.Mask}},
		PersistentKeepalive: int(s.keepalive / time.Second),
	})
}

func (s *Server) deleteLease(w http.ResponseWriter, r *http.Request) {
	k, ok := publicKey(w, r)
	if !ok {
		return
	}
	err := s.pool.Release(k)
	if errors.Is(err, ErrNoLease) {
		http.Error(w, "no lease", 404)
		return
	}
	if err != nil {
		zap.S().Errorf("releasing lease of %s: %s", k, err)
		http.Error(w, "releasing failed", 500)
		return
	}
	err = s.device.RemovePeer(r.Context(), k)
	if err != nil && !errors.Is(err, control.ErrPeerMissing) {
		zap.S().Errorf("removing peer %s: %s", k, err)
		http.Error(w, "removing peer failed", 502)
		return
	}
	w.WriteHeader(204)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		zap.S().Errorf("json encode and HTTP write failed: %s", err)
	}
}
