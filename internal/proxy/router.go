package proxy

import (
	"fmt"
	"log"
	"strings"

	"github.com/joaobrasildev/connpool-proxy/internal/config"
	"github.com/joaobrasildev/connpool-proxy/internal/tds"
	"github.com/joaobrasildev/connpool-proxy/pkg/target"
)

// ── Connection Router ───────────────────────────────────────────────────
//
// O router mapeia um pacote Login7 para um target de destino. Estratégias de roteamento:
//
// 1. Por nome do servidor — Login7.ServerName → ID ou host do target
// 2. Por nome do banco   — Login7.Database → target com database correspondente (se único)
// 3. Por nome de usuário  — Login7.UserName → target com username correspondente
// 4. Primeiro match vence — fallback: se existir apenas um target, usá-lo
//
// Para a POC, todos os targets compartilham o mesmo nome de banco ("tenant_db"), então
// usamos nome do servidor ou username como chaves de roteamento alternativas.

// Router resolve um pacote Login7 para um target de destino.
type Router struct {
	cfg *config.Config

	// byDatabase mapeia nome do banco → target (primeiro match vence).
	byDatabase map[string]*target.Target

	// byServerName mapeia alias de nome do servidor → target.
	byServerName map[string]*target.Target

	// byHost mapeia host:port → target.
	byHost map[string]*target.Target

	// byID mapeia ID do target → target para lookup direto.
	byID map[string]*target.Target

	// defaultTarget é usado quando há apenas um target ou nenhum match de roteamento.
	defaultTarget *target.Target
}

// NewRouter cria um Router a partir da configuração.
func NewRouter(cfg *config.Config) *Router {
	r := &Router{
		cfg:          cfg,
		byDatabase:   make(map[string]*target.Target),
		byServerName: make(map[string]*target.Target),
		byHost:       make(map[string]*target.Target),
		byID:         make(map[string]*target.Target),
	}

	// Construir mapas de lookup.
	seenDBs := make(map[string]int) // rastrear duplicatas
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		r.byID[t.ID] = t
		r.byHost[t.Addr()] = t
		seenDBs[t.Database]++

		// Mapear ID do target como alias de nome de servidor (ex: "target-001").
		r.byServerName[strings.ToLower(t.ID)] = t

		// Também mapear o host como alias de nome de servidor.
		r.byServerName[strings.ToLower(t.Host)] = t
	}

	// Só preencher byDatabase se nomes de banco forem únicos entre targets.
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		if seenDBs[t.Database] == 1 {
			r.byDatabase[strings.ToLower(t.Database)] = t
		}
	}

	// Se houver apenas um target, definir como padrão.
	if len(cfg.Targets) == 1 {
		r.defaultTarget = &cfg.Targets[0]
	}

	log.Printf("[router] Initialized: %d targets, %d unique databases, %d server aliases",
		len(cfg.Targets), len(r.byDatabase), len(r.byServerName))

	return r
}

// Route resolve um pacote Login7 para um target de destino.
// Retorna o target e nil de erro, ou nil e um erro se nenhuma rota foi encontrada.
func (r *Router) Route(login7 *tds.Login7Info) (*target.Target, error) {
	// Estratégia 1: Rotear por nome do servidor (mais explícito).
	// O cliente pode definir o nome do servidor como o ID do target para rotear explicitamente.
	if login7.ServerName != "" {
		serverLower := strings.ToLower(login7.ServerName)
		if t, ok := r.byServerName[serverLower]; ok {
			log.Printf("[router] Routed by server name %q → target %s", login7.ServerName, t.ID)
			return t, nil
		}

		// Tentar fazer match do nome do servidor como ID do target diretamente.
		if t, ok := r.byID[login7.ServerName]; ok {
			log.Printf("[router] Routed by target ID %q → target %s", login7.ServerName, t.ID)
			return t, nil
		}
	}

	// Estratégia 2: Rotear por nome do banco (se único).
	if login7.Database != "" {
		dbLower := strings.ToLower(login7.Database)
		if t, ok := r.byDatabase[dbLower]; ok {
			log.Printf("[router] Routed by database %q → target %s", login7.Database, t.ID)
			return t, nil
		}
	}

	// Estratégia 3: Rotear por match de username.
	if login7.UserName != "" {
		for i := range r.cfg.Targets {
			t := &r.cfg.Targets[i]
			if strings.EqualFold(t.Username, login7.UserName) {
				log.Printf("[router] Routed by username %q → target %s", login7.UserName, t.ID)
				return t, nil
			}
		}
	}

	// Estratégia 4: Target padrão (setup de target único).
	if r.defaultTarget != nil {
		log.Printf("[router] Routed to default target %s", r.defaultTarget.ID)
		return r.defaultTarget, nil
	}

	return nil, fmt.Errorf("no route found for login7: server=%q, database=%q, user=%q",
		login7.ServerName, login7.Database, login7.UserName)
}
