package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const (
	contentTypeSDP     = "application/sdp"
	contentTypeTrickle = "application/trickle-ice-sdpfrag"
)

// routes wires the WHEP API under the configured base path.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	base := s.cfg.BasePath

	mux.HandleFunc(base+"/healthcheck", s.handleHealthcheck)
	mux.HandleFunc(base+"/create", s.handleCreate)
	mux.HandleFunc(base+"/endpoints", s.handleListEndpoints)
	mux.HandleFunc(base+"/subscribers", s.handleListSubscribers)
	mux.HandleFunc(base+"/endpoint/{id}", s.handleEndpoint)
	mux.HandleFunc(base+"/resource/{uuid}", s.handleResource)
	mux.HandleFunc(base+"/sse/{uuid}", s.handleSSE)
	return mux
}

// corsMiddleware answers preflight requests and stamps the CORS headers
// every WHEP client expects.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, If-Match")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeError maps a request failure to its HTTP status. Unclassified
// errors become a 500.
func writeError(w http.ResponseWriter, err error) {
	var we *whepError
	if errors.As(err, &we) {
		http.Error(w, we.msg, we.status())
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// createRequest is the JSON body of the endpoint-provisioning call.
type createRequest struct {
	ID         string            `json:"id"`
	Mountpoint any               `json:"mountpoint"`
	Pin        string            `json:"pin"`
	Label      string            `json:"label"`
	Token      string            `json:"token"`
	ICEServers []ICEServerConfig `json:"iceServers"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	auth := NoAuth()
	if req.Token != "" {
		auth = StaticToken(req.Token)
	}
	_, err := s.CreateEndpoint(req.ID, req.Mountpoint, EndpointOptions{
		Pin:        req.Pin,
		Label:      req.Label,
		Auth:       auth,
		ICEServers: iceServers(req.ICEServers),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.ListEndpoints())
}

func (s *Server) handleListSubscribers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.ListSubscribers())
}

// handleEndpoint covers the endpoint URL: POST creates a WHEP resource,
// DELETE removes the endpoint from the registry. WHEP only defines POST
// and OPTIONS here; everything else is a 405.
func (s *Server) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodPost:
		s.handleSubscribe(w, r, id)
	case http.MethodDelete:
		if err := s.DestroyEndpoint(id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, id string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	offer := string(body)
	if offer != "" {
		// A non-empty body must be an SDP offer.
		if r.Header.Get("Content-Type") != contentTypeSDP || !strings.Contains(offer, "v=0") {
			http.Error(w, "Unsupported content type", http.StatusNotAcceptable)
			return
		}
	}

	sub, sdp, err := s.Subscribe(r.Context(), id, r.Header.Get("Authorization"), offer)
	if err != nil {
		writeError(w, err)
		return
	}

	endpoint := s.GetEndpoint(id)
	w.Header().Set("Content-Type", contentTypeSDP)
	w.Header().Set("Location", sub.Resource())
	w.Header().Set("ETag", `"`+sub.ETag()+`"`)
	w.Header().Set("Accept-Patch", contentTypeTrickle)
	w.Header().Set("Access-Control-Expose-Headers", "Location, ETag, Accept-Patch, Link")
	for _, link := range s.iceServerLinks(endpoint) {
		w.Header().Add("Link", link)
	}
	w.Header().Add("Link", fmt.Sprintf(
		`<%s/sse/%s>; rel="urn:ietf:params:whep:ext:core:server-sent-events"; events="%s"`,
		s.cfg.BasePath, sub.ID, strings.Join(sseEventTypes, ",")))
	w.WriteHeader(http.StatusCreated)
	fmt.Fprint(w, sdp)
}

// iceServerLinks renders the advertised STUN/TURN servers as WHEP
// Link headers. Endpoint-level servers override the global set.
func (s *Server) iceServerLinks(endpoint *Endpoint) []string {
	servers := iceServers(s.cfg.ICEServers)
	if endpoint != nil && len(endpoint.ICEServers) > 0 {
		servers = endpoint.ICEServers
	}
	links := make([]string, 0, len(servers))
	for _, server := range servers {
		for _, uri := range server.URLs {
			link := fmt.Sprintf(`<%s>; rel="ice-server"`, uri)
			if server.Username != "" {
				link += fmt.Sprintf(`; username="%s"; credential="%v"; credential-type="password"`,
					server.Username, server.Credential)
			}
			links = append(links, link)
		}
	}
	return links
}

// handleResource covers the WHEP resource URL: PATCH negotiates or
// trickles, DELETE terminates.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	switch r.Method {
	case http.MethodPatch:
		s.handlePatch(w, r, uuid)
	case http.MethodDelete:
		if err := s.DeleteResource(uuid, r.Header.Get("Authorization")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request, uuid string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	contentType := r.Header.Get("Content-Type")

	if sub := s.getSubscriber(uuid); sub != nil {
		w.Header().Set("ETag", `"`+sub.ETag()+`"`)
	}

	// An SDP body is the answer that completes negotiation; anything else
	// is handled as a trickle fragment.
	if contentType == contentTypeSDP {
		if err := s.PatchAnswer(r.Context(), uuid, string(body)); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !s.cfg.AllowTrickle {
		http.Error(w, "Trickle unsupported", http.StatusMethodNotAllowed)
		return
	}
	err = s.PatchTrickle(uuid, r.Header.Get("Authorization"),
		r.Header.Get("If-Match"), contentType, string(body))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSSE covers the server-sent-events extension resource: POST
// creates the subscription, GET streams it, DELETE removes it.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	switch r.Method {
	case http.MethodPost:
		var types []string
		if err := json.NewDecoder(r.Body).Decode(&types); err != nil && err != io.EOF {
			http.Error(w, "Invalid events list", http.StatusNotAcceptable)
			return
		}
		if _, err := s.RegisterSSE(uuid, types); err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Location", s.cfg.BasePath+"/sse/"+uuid)
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		s.handleSSEStream(w, r, uuid)
	case http.MethodDelete:
		if err := s.UnregisterSSE(uuid); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSSEStream drains a subscription's queue into a text/event-stream
// response until the subscription closes or the client goes away.
func (s *Server) handleSSEStream(w http.ResponseWriter, r *http.Request, uuid string) {
	sse := s.LookupSSE(uuid)
	if sse == nil {
		http.Error(w, "Invalid resource ID", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		ev, ok := sse.next(r.Context())
		if !ok {
			return
		}
		if !sse.wants(ev.Type) {
			continue
		}
		if _, err := fmt.Fprint(w, formatSSE(ev)); err != nil {
			slog.Debug("SSE client write failed", "resource", uuid, "err", err)
			return
		}
		flusher.Flush()
	}
}
