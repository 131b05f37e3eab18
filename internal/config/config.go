package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models dealdesk.yml.
type Config struct {
	Dealer struct {
		ID       string `yaml:"id"`
		Currency string `yaml:"currency"`
	} `yaml:"dealer"`
	Negotiation Negotiation `yaml:"negotiation"`
	Policy      Policy      `yaml:"policy"`
	Valuation   Valuation   `yaml:"valuation"`
	Market      Market      `yaml:"market"`
	Generator   Generator   `yaml:"generator"`
	Contracts   struct {
		Dir    string `yaml:"dir"`
		Prefix string `yaml:"prefix"`
	} `yaml:"contracts"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret     string `yaml:"jwt_secret"`
		Issuer        string `yaml:"issuer"`
		Audience      string `yaml:"audience"`
		AllowDevLogin bool   `yaml:"allow_dev_login"`
	} `yaml:"auth"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Negotiation struct {
	MaxRounds            int           `yaml:"max_rounds"`
	SessionTTL           time.Duration `yaml:"session_ttl"`
	HistoryWindow        int           `yaml:"history_window"`
	ReapInterval         time.Duration `yaml:"reap_interval"`
	MaxConcessionPercent float64       `yaml:"max_concession_percent"`
	Tiers                []Tier        `yaml:"tiers"`
}

// Tier applies from FromRound until the next tier starts.
type Tier struct {
	FromRound int     `yaml:"from_round"`
	Factor    float64 `yaml:"factor"`
	Label     string  `yaml:"label"`
}

type Policy struct {
	MaxDiscountPercent float64  `yaml:"max_discount_percent"`
	MinTradeInYear     int      `yaml:"min_trade_in_year"`
	PriceFloor         float64  `yaml:"price_floor"`
	PriceCeiling       float64  `yaml:"price_ceiling"`
	CashMethods        []string `yaml:"cash_methods"`
	FinancingMethods   []string `yaml:"financing_methods"`
}

type Valuation struct {
	BasePrice     float64       `yaml:"base_price"`
	ReferenceYear int           `yaml:"reference_year"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	CacheSize     int           `yaml:"cache_size"`
	RedisAddr     string        `yaml:"redis_addr"`
}

type Market struct {
	ReferencePrice  float64 `yaml:"reference_price"`
	StockThresholds struct {
		Critical int `yaml:"critical"`
		Low      int `yaml:"low"`
		Medium   int `yaml:"medium"`
	} `yaml:"stock_thresholds"`
	HighDemandModels []string        `yaml:"high_demand_models"`
	Inventory        []InventoryItem `yaml:"inventory"`
}

type InventoryItem struct {
	Model       string  `yaml:"model"`
	Stock       int     `yaml:"stock"`
	DemandScore float64 `yaml:"demand_score"`
	Price       float64 `yaml:"price"`
}

type Generator struct {
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   int           `yaml:"retries"`
}

type Webhook struct {
	ID     string   `yaml:"id"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Dealer.ID == "" {
		return fmt.Errorf("config.dealer.id is required")
	}
	n := c.Negotiation
	if n.MaxRounds <= 0 {
		return fmt.Errorf("config.negotiation.max_rounds must be positive")
	}
	if n.SessionTTL <= 0 {
		return fmt.Errorf("config.negotiation.session_ttl must be positive")
	}
	if n.HistoryWindow <= 0 {
		return fmt.Errorf("config.negotiation.history_window must be positive")
	}
	if n.MaxConcessionPercent <= 0 || n.MaxConcessionPercent > 100 {
		return fmt.Errorf("config.negotiation.max_concession_percent must be in (0,100]")
	}
	if len(n.Tiers) == 0 {
		return fmt.Errorf("config.negotiation.tiers is required")
	}
	if n.Tiers[0].FromRound != 1 {
		return fmt.Errorf("config.negotiation.tiers must start at round 1")
	}
	for i, t := range n.Tiers {
		if t.Factor < 0 || t.Factor > 1 {
			return fmt.Errorf("tier %d factor %.2f outside [0,1]", i, t.Factor)
		}
		if t.Label == "" {
			return fmt.Errorf("tier %d has empty label", i)
		}
		if i > 0 && t.FromRound <= n.Tiers[i-1].FromRound {
			return fmt.Errorf("tier %d from_round must be strictly ascending", i)
		}
	}
	p := c.Policy
	if p.MaxDiscountPercent <= 0 || p.MaxDiscountPercent > 100 {
		return fmt.Errorf("config.policy.max_discount_percent must be in (0,100]")
	}
	if p.MinTradeInYear <= 0 {
		return fmt.Errorf("config.policy.min_trade_in_year is required")
	}
	if p.PriceFloor < 0 || p.PriceFloor >= p.PriceCeiling {
		return fmt.Errorf("config.policy.price_floor must be below price_ceiling")
	}
	if len(p.CashMethods) == 0 {
		return fmt.Errorf("config.policy.cash_methods is required")
	}
	if c.Valuation.BasePrice <= 0 {
		return fmt.Errorf("config.valuation.base_price must be positive")
	}
	if c.Valuation.CacheTTL <= 0 {
		return fmt.Errorf("config.valuation.cache_ttl must be positive")
	}
	st := c.Market.StockThresholds
	if st.Critical < 0 || st.Low < st.Critical || st.Medium < st.Low {
		return fmt.Errorf("config.market.stock_thresholds must be ascending")
	}
	for i, item := range c.Market.Inventory {
		if strings.TrimSpace(item.Model) == "" {
			return fmt.Errorf("market inventory item %d has empty model", i)
		}
		if item.Stock < 0 {
			return fmt.Errorf("market inventory %s has negative stock", item.Model)
		}
	}
	switch c.Generator.Provider {
	case "heuristic", "gemini":
	default:
		return fmt.Errorf("config.generator.provider must be heuristic or gemini")
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("config.database.driver must be sqlite or mysql")
	}
	if c.Database.Driver == "mysql" && c.Database.DSN == "" {
		return fmt.Errorf("config.database.dsn is required for mysql")
	}
	for _, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %s has empty url", wh.ID)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dealdesk.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(dealerID string) string {
	return fmt.Sprintf(defaultTemplate, dealerID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault("dealdesk"))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `dealer:
  id: %s
  currency: MAD

negotiation:
  max_rounds: 5
  session_ttl: 24h
  history_window: 3
  reap_interval: 1m
  # Share of the reference price a fully open tier (factor 1.0) may concede.
  max_concession_percent: 12.5
  tiers:
    - {from_round: 1, factor: 0.2, label: low}
    - {from_round: 3, factor: 0.5, label: moderate}
    - {from_round: 5, factor: 0.8, label: high}

policy:
  max_discount_percent: 15
  min_trade_in_year: 2010
  price_floor: 10000
  price_ceiling: 5000000
  cash_methods: [cash, comptant, especes, "espèces", cheque, "chèque", virement, transfer]
  financing_methods: [financing, financement, credit, "crédit", leasing, lld, loa]

valuation:
  base_price: 220000
  reference_year: 0
  cache_ttl: 24h
  cache_size: 512
  redis_addr: ""

market:
  reference_price: 170000
  stock_thresholds: {critical: 5, low: 15, medium: 30}
  high_demand_models: [clio, sandero, duster, "208", tucson]
  inventory:
    - {model: clio, stock: 4, demand_score: 110, price: 165000}
    - {model: sandero, stock: 22, demand_score: 125, price: 130000}
    - {model: duster, stock: 12, demand_score: 95, price: 210000}
    - {model: "208", stock: 35, demand_score: 35, price: 175000}
    - {model: tucson, stock: 0, demand_score: 60, price: 340000}

generator:
  provider: heuristic
  model: gemini-2.0-flash-001
  api_key_env: GEMINI_API_KEY
  timeout: 30s
  retries: 1

contracts:
  dir: contracts
  prefix: DD

database:
  driver: sqlite
  dsn: ""

auth:
  jwt_secret: ""
  issuer: dealdesk
  audience: dealdesk-api
  allow_dev_login: false

webhooks: []
`
