package proxy

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/joaobrasildev/connpool-proxy/internal/config"
	"github.com/joaobrasildev/connpool-proxy/internal/coordinator"
	"github.com/joaobrasildev/connpool-proxy/internal/metrics"
	"github.com/joaobrasildev/connpool-proxy/internal/pool"
	"github.com/joaobrasildev/connpool-proxy/internal/queue"
	"github.com/joaobrasildev/connpool-proxy/internal/tds"
	"github.com/joaobrasildev/connpool-proxy/pkg/target"
)

// ── Session Handler ─────────────────────────────────────────────────────
//
// Proxy TDS transparente que encaminha pacotes Pre-Login e TLS handshake
// entre cliente e backend, evitando incompatibilidades de criptografia.
//
// Ciclo de vida:
//   1. Aceitar conexão TCP
//   2. Ler Pre-Login do cliente → rotear para um target → conectar ao backend
//   3. Encaminhar Pre-Login ao backend, retransmitir resposta ao cliente
//   4. Retransmitir TLS handshake transparentemente (se criptografia for requerida)
//   5. Retransmitir Login7 opacamente (não é parseado)
//   6. Retransmitir resposta de login do backend ao cliente
//   7. Fase de dados: splice TCP bidirecional opaco, sem inspeção de pinning
//   8. Na desconexão: devolver/descartar a conexão aquecida do pool

var sessionCounter atomic.Uint64

// Session representa uma sessão de conexão de um único cliente através do proxy.
type Session struct {
	id          uint64
	clientConn  net.Conn
	cfg         *config.Config
	poolMgr     *pool.Manager
	coordinator *coordinator.RedisCoordinator
	dqueue      *queue.DistributedQueue
	router      *Router

	// Estado do backend.
	targetID    string
	backendConn net.Conn
	poolConn    *pool.Pooled

	// Coordenação distribuída: se adquirimos um slot.
	slotAcquired bool

	// Estado de pinning.
	pinned    bool
	pinReason string

	// Rastreamento do ciclo de vida.
	startedAt time.Time
}

// newSession cria uma nova sessão para uma conexão de cliente recebida.
func newSession(clientConn net.Conn, cfg *config.Config, poolMgr *pool.Manager, rc *coordinator.RedisCoordinator, dq *queue.DistributedQueue, router *Router) *Session {
	return &Session{
		id:          sessionCounter.Add(1),
		clientConn:  clientConn,
		cfg:         cfg,
		poolMgr:     poolMgr,
		coordinator: rc,
		dqueue:      dq,
		router:      router,
		startedAt:   time.Now(),
	}
}

// Handle executa o ciclo de vida completo da sessão TDS.
func (s *Session) Handle(ctx context.Context) {
	defer s.cleanup()

	clientAddr := s.clientConn.RemoteAddr().String()
	log.Printf("[session:%d] New connection from %s", s.id, clientAddr)

	if s.cfg.Proxy.SessionTimeout > 0 {
		deadline := time.Now().Add(s.cfg.Proxy.SessionTimeout)
		_ = s.clientConn.SetDeadline(deadline)
	}

	// ── Passo 1: Ler Pre-Login do cliente ───────────────────────────
	preLoginType, preLoginPayload, preLoginPackets, err := tds.ReadMessage(s.clientConn)
	if err != nil {
		log.Printf("[session:%d] Pre-Login read failed: %v", s.id, err)
		return
	}
	if preLoginType != tds.PacketPreLogin {
		log.Printf("[session:%d] Expected PRELOGIN, got %s", s.id, preLoginType)
		return
	}
	clientPL, err := tds.ParsePreLogin(preLoginPayload)
	if err != nil {
		log.Printf("[session:%d] Pre-Login parse failed: %v", s.id, err)
		return
	}
	log.Printf("[session:%d] Pre-Login received, encryption=0x%02X", s.id, clientPL.Encryption())

	// ── Passo 2: Rotear para um target ──────────────────────────────
	// Pre-Login não tem info de user/database; escolher o primeiro target.
	// Futuro: rotear por IP do cliente, SNI ou token SSPI.
	tgt := s.pickTarget()
	if tgt == nil {
		log.Printf("[session:%d] No targets configured", s.id)
		return
	}
	s.targetID = tgt.ID

	// ── Passo 3: Adquirir slot distribuído (Fase 3 + Fila da Fase 4) ────
	if s.dqueue != nil {
		if err := s.dqueue.Acquire(ctx, tgt.ID); err != nil {
			log.Printf("[session:%d] Queue acquire failed for target %s: %v", s.id, tgt.ID, err)
			if queue.IsQueueFull(err) {
				s.sendError(tds.ErrQueueFull(tgt.ID))
				metrics.ConnectionErrors.WithLabelValues(tgt.ID, "queue_full").Inc()
			} else if queue.IsQueueTimeout(err) {
				s.sendError(tds.ErrQueueTimeout(tgt.ID))
				metrics.ConnectionErrors.WithLabelValues(tgt.ID, "queue_timeout").Inc()
			} else {
				s.sendError(tds.ErrBackendUnavailable(tgt.ID))
				metrics.ConnectionErrors.WithLabelValues(tgt.ID, "coordinator_acquire_failed").Inc()
			}
			return
		}
		s.slotAcquired = true
		log.Printf("[session:%d] Distributed slot acquired for target %s", s.id, tgt.ID)
	} else if s.coordinator != nil {
		// Fallback: usar coordinator diretamente se não houver dqueue (não deveria acontecer no fluxo normal)
		if err := s.coordinator.Acquire(ctx, tgt.ID); err != nil {
			log.Printf("[session:%d] Distributed acquire failed for target %s: %v", s.id, tgt.ID, err)
			s.sendError(tds.ErrBackendUnavailable(tgt.ID))
			metrics.ConnectionErrors.WithLabelValues(tgt.ID, "coordinator_acquire_failed").Inc()
			return
		}
		s.slotAcquired = true
		log.Printf("[session:%d] Distributed slot acquired for target %s", s.id, tgt.ID)
	}

	// ── Passo 4: Admitir via pool de conexões aquecidas ─────────────
	// A fase de dados faz splice TCP opaco (veja tcpRelay), então não pode
	// reutilizar diretamente o *sql.DB do pool como socket de relay. Em vez
	// disso, o checkout aqui serve como gate de admissão: reusa ou aquece uma
	// conexão real ao mesmo backend antes de abrir o socket de relay,
	// garantindo que o backend esteja de fato alcançável e exercitando o
	// checkout/idle reuse/eviction do pool a cada sessão.
	if s.poolMgr != nil {
		s.admitViaPool(ctx, tgt)
	}

	backendAddr := net.JoinHostPort(tgt.Host, fmt.Sprintf("%d", tgt.Port))
	dialTimeout := tgt.ConnectionTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}
	backendConn, err := net.DialTimeout("tcp", backendAddr, dialTimeout)
	if err != nil {
		log.Printf("[session:%d] Backend dial failed (%s): %v", s.id, backendAddr, err)
		s.sendError(tds.ErrBackendUnavailable(tgt.ID))
		metrics.ConnectionErrors.WithLabelValues(tgt.ID, "dial_failed").Inc()
		return
	}
	s.backendConn = backendConn
	log.Printf("[session:%d] Connected to backend %s (target %s)", s.id, backendAddr, tgt.ID)

	// ── Passo 5: Encaminhar Pre-Login ao backend ────────────────────
	if err := tds.WritePackets(s.backendConn, preLoginPackets); err != nil {
		log.Printf("[session:%d] Failed to forward Pre-Login: %v", s.id, err)
		return
	}

	// ── Passo 6: Ler resposta Pre-Login do backend, encaminhar ao cliente ──
	_, _, respPackets, err := tds.ReadMessage(s.backendConn)
	if err != nil {
		log.Printf("[session:%d] Backend Pre-Login response failed: %v", s.id, err)
		return
	}
	if err := tds.WritePackets(s.clientConn, respPackets); err != nil {
		log.Printf("[session:%d] Failed to relay Pre-Login response: %v", s.id, err)
		return
	}
	log.Printf("[session:%d] Pre-Login handshake relayed", s.id)

	// ── Passo 7: Relay TCP bidirecional ─────────────────────────────
	// Após o Pre-Login, o TLS handshake + Login7 + fase de dados acontecem
	// no mesmo stream TCP. Em vez de tentar parsear pacotes TDS
	// durante TLS (que encapsula tudo em registros criptografados opacos),
	// fazemos um splice TCP bruto. Isso trata transparentemente:
	//   - TLS handshake (ClientHello, ServerHello, etc.)
	//   - Login7 criptografado com TLS
	//   - Resposta de login
	//   - Fase de dados (queries, resultados)
	//
	// Para detecção de pinning (Fase 3+), adicionaremos parsing TDS-aware
	// apenas no modo ENCRYPT_NOT_SUP onde os dados não são criptografados.
	log.Printf("[session:%d] Starting bidirectional TCP relay", s.id)
	metrics.ConnectionsActive.WithLabelValues(tgt.ID).Add(1)
	defer metrics.ConnectionsActive.WithLabelValues(tgt.ID).Add(-1)

	s.tcpRelay()
}

// admitViaPool checks out a warmed connection from the pool for tgt,
// falling back to a fresh dial if none was available in time, and keeps
// the handle on the session so cleanup can release or discard it.
func (s *Session) admitViaPool(ctx context.Context, tgt *target.Target) {
	admitCtx, cancel := context.WithTimeout(ctx, tgt.ConnectionTimeout)
	defer cancel()

	co, err := s.poolMgr.Checkout(tgt.ID)
	if err != nil {
		log.Printf("[session:%d] Pool checkout unavailable for target %s: %v", s.id, tgt.ID, err)
		return
	}
	pooled, err := s.poolMgr.Wait(admitCtx, tgt.ID, co)
	if err != nil {
		pooled, err = s.poolMgr.Dial(ctx, tgt.ID)
		if err != nil {
			log.Printf("[session:%d] Pool admission dial failed for target %s: %v", s.id, tgt.ID, err)
			return
		}
	}
	pooled.Get().MarkUsed()
	s.poolConn = pooled
}

// pickTarget seleciona um target backend para esta sessão.
// Como o Pre-Login não tem info de user/database, pegamos o primeiro target
// ou podemos usar round-robin. Para a POC usamos target[0].
// Quando roteamento Login7 for necessário pré-conexão, podemos adicionar
// roteamento em duas fases (conectar a um backend temporário, ler Login7, depois re-rotear).
func (s *Session) pickTarget() *target.Target {
	if len(s.cfg.Targets) == 0 {
		return nil
	}
	// Simples: usar o primeiro target. O Router ainda está disponível para
	// roteamento baseado em Login7 em fases futuras.
	t := &s.cfg.Targets[0]
	log.Printf("[session:%d] Picked target %s (default)", s.id, t.ID)
	return t
}

// tcpRelay realiza cópia bruta bidirecional de bytes TCP entre cliente
// e backend. Isso trata TLS, Login7 e a fase de dados transparentemente.
func (s *Session) tcpRelay() {
	done := make(chan struct{})

	// Cliente → Backend
	go func() {
		_, _ = io.Copy(s.backendConn, s.clientConn)
		// Sinalizar a outra direção fechando o lado de escrita.
		if tc, ok := s.backendConn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()

	// Backend → Cliente
	go func() {
		_, _ = io.Copy(s.clientConn, s.backendConn)
		if tc, ok := s.clientConn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()

	// Aguardar pelo menos uma direção terminar.
	<-done
	log.Printf("[session:%d] TCP relay ended", s.id)
}

// applyPinResult atualiza o estado de pinning da sessão.
func (s *Session) applyPinResult(result tds.PinResult) {
	switch result.Action {
	case tds.PinActionPin:
		if !s.pinned {
			s.pinned = true
			s.pinReason = result.Reason
			log.Printf("[session:%d] Connection pinned: %s", s.id, result.Reason)
			metrics.ConnectionsPinned.WithLabelValues(s.targetID, result.Reason).Inc()
		}
	case tds.PinActionUnpin:
		if s.pinned {
			s.pinned = false
			log.Printf("[session:%d] Connection unpinned (was: %s)", s.id, s.pinReason)
			metrics.ConnectionsPinned.WithLabelValues(s.targetID, s.pinReason).Dec()
			s.pinReason = ""
		}
	}
}

// sendError envia uma resposta de erro TDS ao cliente.
func (s *Session) sendError(errorPacket []byte) {
	if _, err := s.clientConn.Write(errorPacket); err != nil {
		log.Printf("[session:%d] Failed to send error to client: %v", s.id, err)
	}
}

// cleanup fecha todas as conexões e libera recursos do pool.
func (s *Session) cleanup() {
	duration := time.Since(s.startedAt)
	log.Printf("[session:%d] Session ended after %v (target=%s, pinned=%v)",
		s.id, duration, s.targetID, s.pinned)

	if s.clientConn != nil {
		s.clientConn.Close()
	}
	if s.backendConn != nil {
		s.backendConn.Close()
	}
	if s.poolConn != nil {
		if s.pinned {
			s.poolMgr.Discard(s.targetID, s.poolConn)
		} else {
			s.poolMgr.Release(s.targetID, s.poolConn)
		}
	}

	// Liberar slot distribuído (Fase 3 + Fase 4).
	if s.slotAcquired {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.dqueue != nil {
			if err := s.dqueue.Release(ctx, s.targetID); err != nil {
				log.Printf("[session:%d] Distributed release (dqueue) failed for target %s: %v",
					s.id, s.targetID, err)
			}
		} else if s.coordinator != nil {
			if err := s.coordinator.Release(ctx, s.targetID); err != nil {
				log.Printf("[session:%d] Distributed release failed for target %s: %v",
					s.id, s.targetID, err)
			}
		}
	}
}

// isConnectionClosed verifica se um erro indica uma conexão fechada.
func isConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return true
	}
	if netErr, ok := err.(*net.OpError); ok {
		return netErr.Err.Error() == "use of closed network connection"
	}
	return false
}
