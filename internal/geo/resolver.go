// Package geo сопоставляет названия стран с центроидами для дуг на карте атак.
package geo

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/xela07ax/threatecho/internal/domain"
)

const (
	FallbackUndetermined = "undetermined"
	FallbackRandom       = "random"

	// UndeterminedName - имя, которое получает неизвестная страна при политике undetermined.
	UndeterminedName = "Undetermined"
)

// ErrUnresolved - нет ни атакующего, ни жертвы: рисовать нечего.
var ErrUnresolved = errors.New("geo: no country to resolve")

//go:embed countries.yaml
var countriesYAML []byte

type Country struct {
	Name    string   `yaml:"name"`
	Code    string   `yaml:"code"`
	Lat     float64  `yaml:"lat"`
	Lon     float64  `yaml:"lon"`
	Aliases []string `yaml:"aliases"`
}

type table struct {
	Countries []Country `yaml:"countries"`
}

// Resolver безопасен для конкурентного использования.
type Resolver struct {
	fallback string
	byKey    map[string]Country
	list     []Country

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewResolver загружает встроенный справочник стран.
func NewResolver(fallback string) (*Resolver, error) {
	return NewResolverFromYAML(countriesYAML, fallback, rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
}

// NewResolverFromYAML - для тестов и собственных справочников. rnd нужен только политике random.
func NewResolverFromYAML(data []byte, fallback string, rnd *rand.Rand) (*Resolver, error) {
	switch fallback {
	case FallbackUndetermined, FallbackRandom:
	case "":
		fallback = FallbackUndetermined
	default:
		return nil, fmt.Errorf("geo: unknown fallback policy %q", fallback)
	}

	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("geo: parse country table: %w", err)
	}
	if len(t.Countries) == 0 {
		return nil, errors.New("geo: empty country table")
	}

	r := &Resolver{
		fallback: fallback,
		byKey:    make(map[string]Country, len(t.Countries)*3),
		list:     t.Countries,
		rnd:      rnd,
	}
	for _, c := range t.Countries {
		r.byKey[normalize(c.Name)] = c
		if c.Code != "" {
			r.byKey[normalize(c.Code)] = c
		}
		for _, a := range c.Aliases {
			r.byKey[normalize(a)] = c
		}
	}
	sort.Slice(r.list, func(i, j int) bool { return r.list[i].Name < r.list[j].Name })
	return r, nil
}

// Lookup ищет страну по имени, ISO-коду или алиасу без учета регистра.
func (r *Resolver) Lookup(name string) (Country, bool) {
	c, ok := r.byKey[normalize(name)]
	return c, ok
}

// Resolve строит дугу attacker -> victim.
// Пустой attacker дает дугу без источника; неизвестные имена уходят в fallback.
func (r *Resolver) Resolve(ctx context.Context, attacker, victim string) (*domain.Geo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	attacker = strings.TrimSpace(attacker)
	victim = strings.TrimSpace(victim)
	if attacker == "" && victim == "" {
		return nil, ErrUnresolved
	}

	g := &domain.Geo{}

	dst, fb := r.pick(victim)
	g.Arc.Dst = coords(dst)
	g.Victim = dst.Name
	g.Fallback = fb

	if attacker != "" {
		src, fb := r.pick(attacker)
		c := coords(src)
		g.Arc.Src = &c
		g.Attacker = src.Name
		g.Fallback = g.Fallback || fb
	}
	return g, nil
}

// pick возвращает страну из справочника или результат политики fallback.
func (r *Resolver) pick(name string) (Country, bool) {
	if c, ok := r.Lookup(name); ok {
		return c, false
	}
	if r.fallback == FallbackRandom && r.rnd != nil {
		r.mu.Lock()
		c := r.list[r.rnd.IntN(len(r.list))]
		r.mu.Unlock()
		return c, true
	}
	return Country{Name: UndeterminedName}, true
}

func coords(c Country) domain.Coords {
	return domain.Coords{Lat: c.Lat, Lon: c.Lon}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
