package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"example.com/sftgate/internal/report"
	"example.com/sftgate/internal/rules"
	"example.com/sftgate/internal/sft"
)

// Server coordinates HTTP handlers and manages temporary artifacts produced
// by validation and band-extraction requests.
type Server struct {
	artifacts   *ArtifactStore
	workDir     string
	uploadsDir  string
	rulePack    rules.RulePack
	concurrency int
	metrics     *Metrics

	sem chan struct{}
}

// Artifact represents a file generated or stored by the daemon.
type Artifact struct {
	ID          string
	Path        string
	Name        string
	ContentType string
	Size        int64
	Kind        string
}

// ArtifactRef is the public representation returned in API responses.
type ArtifactRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// ArtifactStore keeps track of generated artifacts for later download.
type ArtifactStore struct {
	mu      sync.RWMutex
	entries map[string]Artifact
}

// NewServer constructs a Server rooted at a temporary workspace directory.
func NewServer(opts Options) (*Server, error) {
	storageDir := opts.StorageDir
	if storageDir == "" {
		storageDir = os.TempDir()
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp(storageDir, "sftd-")
	if err != nil {
		return nil, err
	}
	uploadsDir := filepath.Join(workDir, "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	rp, err := resolveRulePack(opts)
	if err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	s := &Server{
		artifacts:   &ArtifactStore{entries: make(map[string]Artifact)},
		workDir:     workDir,
		uploadsDir:  uploadsDir,
		rulePack:    rp,
		concurrency: concurrency,
		metrics:     newMetrics(),
		sem:         make(chan struct{}, concurrency),
	}
	return s, nil
}

// Close removes any temporary state associated with the server.
func (s *Server) Close() error {
	if s == nil || s.workDir == "" {
		return nil
	}
	return os.RemoveAll(s.workDir)
}

func (s *Server) tempPath(pattern string) (string, error) {
	f, err := os.CreateTemp(s.workDir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func (s *Server) addArtifact(path, displayName, contentType, kind string) (Artifact, error) {
	if path == "" {
		return Artifact{}, errors.New("empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	id := randomID()
	art := Artifact{
		ID:          id,
		Path:        path,
		Name:        displayName,
		ContentType: contentType,
		Size:        info.Size(),
		Kind:        kind,
	}
	if art.Name == "" {
		art.Name = filepath.Base(path)
	}
	if art.ContentType == "" {
		art.ContentType = guessContentType(art.Name)
	}
	s.artifacts.mu.Lock()
	s.artifacts.entries[id] = art
	s.artifacts.mu.Unlock()
	return art, nil
}

func (s *Server) getArtifact(id string) (Artifact, bool) {
	s.artifacts.mu.RLock()
	art, ok := s.artifacts.entries[id]
	s.artifacts.mu.RUnlock()
	return art, ok
}

// resolveToken maps an artifact id to its stored path; everything else is
// passed through as a file pattern.
func (s *Server) resolveToken(token string) string {
	if art, ok := s.getArtifact(token); ok {
		return art.Path
	}
	return token
}

// buildPattern combines a pattern and input tokens into one multi-pattern
// accepted by the catalog layer.
func (s *Server) buildPattern(pattern string, inputs []string) (string, error) {
	var parts []string
	if p := strings.TrimSpace(pattern); p != "" {
		parts = append(parts, p)
	}
	for _, in := range inputs {
		if in = strings.TrimSpace(in); in != "" {
			parts = append(parts, s.resolveToken(in))
		}
	}
	if len(parts) == 0 {
		return "", errors.New("pattern or inputs required")
	}
	return strings.Join(parts, ";"), nil
}

func buildConstraints(detector, minGps, maxGps string) (*sft.Constraints, error) {
	c := &sft.Constraints{Detector: strings.TrimSpace(detector)}
	if t := strings.TrimSpace(minGps); t != "" {
		gps, err := sft.ParseEpoch(t)
		if err != nil {
			return nil, fmt.Errorf("minGps: %w", err)
		}
		c.MinGPS = &gps
	}
	if t := strings.TrimSpace(maxGps); t != "" {
		gps, err := sft.ParseEpoch(t)
		if err != nil {
			return nil, fmt.Errorf("maxGps: %w", err)
		}
		c.MaxGPS = &gps
	}
	if c.Detector == "" && c.MinGPS == nil && c.MaxGPS == nil {
		return nil, nil
	}
	return c, nil
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stream := r.URL.Query().Get("stream") == "true"
	var req struct {
		Pattern  string          `json:"pattern"`
		Inputs   []string        `json:"inputs"`
		Detector string          `json:"detector"`
		MinGps   string          `json:"minGps"`
		MaxGps   string          `json:"maxGps"`
		RulePack *rules.RulePack `json:"rulePack"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	pattern, err := s.buildPattern(req.Pattern, req.Inputs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	constr, err := buildConstraints(req.Detector, req.MinGps, req.MaxGps)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	rp := s.rulePack
	if req.RulePack != nil && len(req.RulePack.Rules) > 0 {
		rp = *req.RulePack
	}
	engine := rules.NewEngine(rp)
	engine.RegisterBuiltins()
	ctx := &rules.Context{Pattern: pattern, Constraints: constr}

	diags, err := engine.Eval(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("eval: %v", err), http.StatusInternalServerError)
		return
	}
	s.metrics.ValidationsTotal.Inc()
	for _, d := range diags {
		s.metrics.FindingsTotal.WithLabelValues(string(d.Severity)).Inc()
	}
	rep := engine.MakeAcceptance()

	refs, err := s.saveValidationArtifacts(engine, rep)
	if err != nil {
		if stream {
			writer := NewNDJSONWriter(w)
			w.Header().Set("Content-Type", "application/x-ndjson")
			_ = writer.WriteObject(map[string]any{"type": "error", "error": err.Error()})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if stream {
		writer := NewNDJSONWriter(w)
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, d := range diags {
			if err := writer.WriteDiagnostic(d); err != nil {
				return
			}
		}
		_ = writer.WriteObject(struct {
			Type       string        `json:"type"`
			Acceptance any           `json:"acceptance"`
			Artifacts  []ArtifactRef `json:"artifacts"`
			Total      int           `json:"diagnostics"`
		}{
			Type:       "acceptance",
			Acceptance: rep,
			Artifacts:  refs,
			Total:      len(diags),
		})
		return
	}

	resp := struct {
		Acceptance  rules.AcceptanceReport `json:"acceptance"`
		Diagnostics int                    `json:"diagnostics"`
		Artifacts   []ArtifactRef          `json:"artifacts"`
	}{
		Acceptance:  rep,
		Diagnostics: len(diags),
		Artifacts:   refs,
	}
	writeJSON(w, http.StatusOK, resp)
}

// saveValidationArtifacts writes the diagnostics stream, the acceptance JSON
// and the acceptance PDF into the workspace and registers them for download.
func (s *Server) saveValidationArtifacts(engine *rules.Engine, rep rules.AcceptanceReport) ([]ArtifactRef, error) {
	diagPath, err := s.tempPath("diagnostics-*.ndjson")
	if err != nil {
		return nil, fmt.Errorf("diagnostics temp: %w", err)
	}
	if err := engine.WriteDiagnosticsNDJSON(diagPath); err != nil {
		return nil, fmt.Errorf("write diagnostics: %w", err)
	}
	accPath, err := s.tempPath("acceptance-*.json")
	if err != nil {
		return nil, fmt.Errorf("acceptance temp: %w", err)
	}
	if err := report.SaveAcceptanceJSON(rep, accPath); err != nil {
		return nil, fmt.Errorf("write acceptance: %w", err)
	}
	pdfPath, err := s.tempPath("acceptance-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("acceptance pdf temp: %w", err)
	}
	if err := report.SaveAcceptancePDF(rep, pdfPath); err != nil {
		return nil, fmt.Errorf("write acceptance pdf: %w", err)
	}
	diagArt, err := s.addArtifact(diagPath, "diagnostics.ndjson", "application/x-ndjson", "diagnostics")
	if err != nil {
		return nil, err
	}
	accArt, err := s.addArtifact(accPath, "acceptance_report.json", "application/json", "acceptance")
	if err != nil {
		return nil, err
	}
	pdfArt, err := s.addArtifact(pdfPath, "acceptance_report.pdf", "application/pdf", "acceptance")
	if err != nil {
		return nil, err
	}
	return []ArtifactRef{toRef(diagArt), toRef(accArt), toRef(pdfArt)}, nil
}

// catalogEntry is the wire form of one catalog descriptor.
type catalogEntry struct {
	File     string  `json:"file"`
	Detector string  `json:"detector"`
	Epoch    string  `json:"epoch"`
	F0       float64 `json:"f0"`
	DeltaF   float64 `json:"deltaF"`
	Bins     uint32  `json:"bins"`
	Version  uint32  `json:"version"`
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	pattern, err := s.buildPattern(q.Get("pattern"), nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	constr, err := buildConstraints(q.Get("detector"), q.Get("minGps"), q.Get("maxGps"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cat, err := sft.FindSFTs(pattern, constr)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	s.metrics.BlocksCataloged.Add(float64(cat.Len()))
	entries := make([]catalogEntry, 0, cat.Len())
	for i := range cat.Descriptors {
		d := &cat.Descriptors[i]
		entries = append(entries, catalogEntry{
			File:     d.Path(),
			Detector: d.Header.Detector,
			Epoch:    d.Header.Epoch.String(),
			F0:       d.Header.F0,
			DeltaF:   d.Header.DeltaF,
			Bins:     d.NumBins,
			Version:  d.Version,
		})
	}
	resp := struct {
		Blocks  int            `json:"blocks"`
		Epochs  int            `json:"epochs"`
		Entries []catalogEntry `json:"entries"`
	}{
		Blocks:  cat.Len(),
		Epochs:  cat.NumEpochs(),
		Entries: entries,
	}
	writeJSON(w, http.StatusOK, resp)
}

// bandSummary is the wire form of one detector's extracted band.
type bandSummary struct {
	Detector   string  `json:"detector"`
	NumSFTs    int     `json:"numSfts"`
	FirstEpoch string  `json:"firstEpoch"`
	LastEpoch  string  `json:"lastEpoch"`
	F0         float64 `json:"f0"`
	DeltaF     float64 `json:"deltaF"`
	Bins       int     `json:"bins"`
}

func (s *Server) handleBand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Pattern  string   `json:"pattern"`
		Inputs   []string `json:"inputs"`
		Detector string   `json:"detector"`
		FMin     float64  `json:"fMin"`
		FMax     float64  `json:"fMax"`
		Merge    bool     `json:"merge"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if req.FMin >= 0 && req.FMax >= 0 && req.FMax < req.FMin {
		http.Error(w, fmt.Sprintf("reversed band [%v, %v)", req.FMin, req.FMax), http.StatusBadRequest)
		return
	}
	pattern, err := s.buildPattern(req.Pattern, req.Inputs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	constr, err := buildConstraints(req.Detector, "", "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	cat, err := sft.FindSFTs(pattern, constr)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	mv, err := sft.LoadMultiBand(sft.ByDetector(cat), req.FMin, req.FMax)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	summaries := make([]bandSummary, 0, len(mv.Vectors))
	var refs []ArtifactRef
	for _, v := range mv.Vectors {
		if len(v.SFTs) == 0 {
			continue
		}
		first, last := &v.SFTs[0], &v.SFTs[len(v.SFTs)-1]
		summaries = append(summaries, bandSummary{
			Detector:   first.Header.Detector,
			NumSFTs:    len(v.SFTs),
			FirstEpoch: first.Header.Epoch.String(),
			LastEpoch:  last.Header.Epoch.String(),
			F0:         first.Header.F0,
			DeltaF:     first.Header.DeltaF,
			Bins:       len(first.Data),
		})
		if req.Merge {
			dir, err := os.MkdirTemp(s.workDir, "band-")
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			path, err := sft.WriteVectorFile(v, dir, "", "NBAND")
			if err != nil {
				http.Error(w, fmt.Sprintf("write band: %v", err), http.StatusInternalServerError)
				return
			}
			art, err := s.addArtifact(path, filepath.Base(path), "application/octet-stream", "band")
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			refs = append(refs, toRef(art))
		}
	}
	resp := struct {
		Bands     []bandSummary `json:"bands"`
		Artifacts []ArtifactRef `json:"artifacts,omitempty"`
	}{
		Bands:     summaries,
		Artifacts: refs,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	art, ok := s.getArtifact(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(art.Path)
	if err != nil {
		http.Error(w, fmt.Sprintf("open artifact: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("stat artifact: %v", err), http.StatusInternalServerError)
		return
	}
	if art.ContentType != "" {
		w.Header().Set("Content-Type", art.ContentType)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	disposition := fmt.Sprintf("attachment; filename=\"%s\"", art.Name)
	w.Header().Set("Content-Disposition", disposition)
	io.Copy(w, f)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusForError maps the catalog/load error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	var gap *sft.GapOverlapError
	switch {
	case errors.Is(err, sft.ErrNoMatch), errors.Is(err, sft.ErrMissingData):
		return http.StatusNotFound
	case errors.Is(err, sft.ErrFormat), errors.Is(err, sft.ErrMalformedHeader),
		errors.Is(err, sft.ErrConsistency), errors.As(err, &gap):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func toRef(art Artifact) ArtifactRef {
	return ArtifactRef{
		ID:          art.ID,
		Name:        art.Name,
		ContentType: art.ContentType,
		Size:        art.Size,
		Kind:        art.Kind,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func guessContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".ndjson":
		return "application/x-ndjson"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	case ".sft":
		return "application/octet-stream"
	default:
		return "application/octet-stream"
	}
}

func randomID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		now := time.Now().UTC()
		return fmt.Sprintf("%d%06d", now.UnixNano(), os.Getpid())
	}
	return hex.EncodeToString(b[:])
}

func (s *Server) listArtifacts() []ArtifactRef {
	s.artifacts.mu.RLock()
	refs := make([]ArtifactRef, 0, len(s.artifacts.entries))
	for _, art := range s.artifacts.entries {
		refs = append(refs, toRef(art))
	}
	s.artifacts.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}
