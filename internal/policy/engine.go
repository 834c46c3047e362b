package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// DecisionQuery is the rego query every policy set must answer.
const DecisionQuery = "data.opshub.authz.decision"

//go:embed authz.rego
var defaultPolicy string

// Config holds policy engine configuration
type Config struct {
	// Path is an optional directory of .rego files replacing the built-in
	// policy. They must define data.opshub.authz.decision.
	Path     string        `mapstructure:"path"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Input is the document a policy decides on.
type Input struct {
	Operation string   `json:"operation"`
	TenantID  string   `json:"tenant_id"`
	Scopes    []string `json:"scopes"`
	Subject   string   `json:"subject,omitempty"`
}

func (in Input) toMap() map[string]interface{} {
	scopes := make([]interface{}, len(in.Scopes))
	for i, s := range in.Scopes {
		scopes[i] = s
	}
	return map[string]interface{}{
		"operation": in.Operation,
		"tenant_id": in.TenantID,
		"scopes":    scopes,
		"subject":   in.Subject,
	}
}

// Decision represents the policy evaluation result
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Engine evaluates authorization decisions with OPA. It fails closed:
// any evaluation problem produces a deny together with the error.
type Engine struct {
	logger   *zap.Logger
	compiled rego.PreparedEvalQuery
	version  string
	cache    *decisionCache
}

// NewEngine compiles the configured policies.
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	modules := map[string]string{"authz": defaultPolicy}
	if cfg.Path != "" {
		loaded, err := loadModules(cfg.Path)
		if err != nil {
			return nil, err
		}
		modules = loaded
	}

	regoOptions := []func(*rego.Rego){rego.Query(DecisionQuery)}
	for name, content := range modules {
		regoOptions = append(regoOptions, rego.Module(name, content))
	}
	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to compile policies: %w", err)
	}

	e := &Engine{
		logger:   logger,
		compiled: compiled,
		version:  policyVersion(modules),
		cache:    newDecisionCache(1000, cfg.CacheTTL),
	}
	logger.Info("Policies loaded and compiled successfully",
		zap.Int("policy_count", len(modules)),
		zap.String("decision_query", DecisionQuery),
		zap.String("version", e.version),
	)
	return e, nil
}

func loadModules(dir string) (map[string]string, error) {
	modules := make(map[string]string)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		rel, _ := filepath.Rel(dir, path)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy directory: %w", err)
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("no policies found in %s", dir)
	}
	return modules, nil
}

// Version identifies the loaded policy set.
func (e *Engine) Version() string { return e.version }

// Evaluate decides whether in is allowed.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	if d, ok := e.cache.Get(in); ok {
		return d, nil
	}

	results, err := e.compiled.Eval(ctx, rego.EvalInput(in.toMap()))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		return Decision{Reason: "policy evaluation error"}, fmt.Errorf("evaluate policy: %w", err)
	}
	d, err := parseResults(results)
	if err != nil {
		return Decision{Reason: "malformed policy decision"}, err
	}

	e.logger.Debug("Policy evaluated",
		zap.String("operation", in.Operation),
		zap.Bool("allow", d.Allow),
		zap.String("reason", d.Reason),
	)
	e.cache.Set(in, d)
	return d, nil
}

func parseResults(results rego.ResultSet) (Decision, error) {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("policy produced no decision")
	}
	value, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("policy decision has type %T", results[0].Expressions[0].Value)
	}
	allow, ok := value["allow"].(bool)
	if !ok {
		return Decision{}, fmt.Errorf("policy decision lacks a boolean allow")
	}
	reason, _ := value["reason"].(string)
	return Decision{Allow: allow, Reason: reason}, nil
}

func policyVersion(modules map[string]string) string {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	slices.Sort(names)
	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(modules[name]))
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// --- decision cache (LRU with TTL) ---

type decisionCache struct {
	cap    int
	ttl    time.Duration
	mu     sync.Mutex
	list   *list.List               // MRU at front
	m      map[string]*list.Element // key -> element
	hits   int64
	misses int64
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func (c *decisionCache) makeKey(in Input) string {
	scopes := slices.Clone(in.Scopes)
	slices.Sort(scopes)
	return in.Operation + "|" + in.TenantID + "|" + strings.Join(scopes, ",")
}

func (c *decisionCache) Get(in Input) (Decision, bool) {
	key := c.makeKey(in)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			atomic.AddInt64(&c.hits, 1)
			return ce.decision, true
		}
		c.list.Remove(el)
		delete(c.m, key)
	}
	atomic.AddInt64(&c.misses, 1)
	return Decision{}, false
}

func (c *decisionCache) Set(in Input, d Decision) {
	key := c.makeKey(in)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
	if el, ok := c.m[key]; ok {
		el.Value = entry
		c.list.MoveToFront(el)
		return
	}
	c.m[key] = c.list.PushFront(entry)
	if c.list.Len() > c.cap {
		lru := c.list.Back()
		delete(c.m, lru.Value.(cacheEntry).key)
		c.list.Remove(lru)
	}
}

// Stats returns cumulative cache hit/miss counts
func (c *decisionCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}
