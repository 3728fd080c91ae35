// Package queue fornece mecanismos de fila distribuída para coordenação
// cross-instance de espera por conexões. Encapsula as notificações Pub/Sub
// do coordinator e o semáforo distribuído para fornecer uma interface
// unificada de espera para o connection pool.
//
// Adições da Fase 4: circuit breaker (tamanho máximo da fila), métricas
// por target e rejeição graciosa com suporte a erros TDS.
package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/joaobrasildev/connpool-proxy/internal/coordinator"
	"github.com/joaobrasildev/connpool-proxy/internal/metrics"
)

// DistributedQueue gerencia filas de espera distribuídas para todos os targets.
// Quando um pool local está na capacidade global, os chamadores esperam no
// semáforo distribuído. Quando qualquer instância de proxy libera uma conexão,
// todas as instâncias em espera são notificadas via Pub/Sub para que uma
// delas possa adquirir o slot.
type DistributedQueue struct {
	coordinator *coordinator.RedisCoordinator
	semaphore   *coordinator.Semaphore

	// rastreamento de profundidade da fila por target
	mu     sync.Mutex
	depths map[string]int

	timeout      time.Duration // tempo máximo de espera por requisição
	maxQueueSize int           // profundidade máxima da fila por target (0 = ilimitado)
}

// NewDistributedQueue cria uma nova fila distribuída apoiada pelo coordinator.
func NewDistributedQueue(rc *coordinator.RedisCoordinator, timeout time.Duration, maxQueueSize int) *DistributedQueue {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &DistributedQueue{
		coordinator:  rc,
		semaphore:    coordinator.NewSemaphore(rc),
		depths:       make(map[string]int),
		timeout:      timeout,
		maxQueueSize: maxQueueSize,
	}
}

// Acquire tenta obter um slot distribuído para o target fornecido.
// Primeiro tenta uma aquisição imediata. Se falhar (target na capacidade),
// verifica o circuit breaker (tamanho máximo da fila) e entra na fila
// de espera distribuída usando o semáforo.
//
// Retorna nil se um slot foi adquirido, ou um erro em timeout/cancelamento/rejeição.
// O tipo de erro pode ser verificado para determinar o erro TDS apropriado a enviar:
//   - *QueueError com Kind QueueErrorFull: circuit breaker disparado (fila na capacidade máxima)
//   - *QueueError com Kind QueueErrorTimeout: esperou mas esgotou o timeout
//   - context.Canceled / context.DeadlineExceeded: cliente desconectou
func (dq *DistributedQueue) Acquire(ctx context.Context, targetID string) error {
	// Caminho rápido: tentar aquisição não-bloqueante.
	if err := dq.semaphore.TryAcquire(ctx, targetID); err == nil {
		metrics.ConnectionsTotal.WithLabelValues(targetID, "acquired").Inc()
		return nil
	}

	// Circuit breaker: rejeitar imediatamente se a fila já está na profundidade máxima.
	if dq.maxQueueSize > 0 {
		currentDepth := dq.getDepth(targetID)
		if currentDepth >= dq.maxQueueSize {
			metrics.ConnectionsTotal.WithLabelValues(targetID, "rejected_queue_full").Inc()
			log.Printf("[dqueue] Circuit breaker: rejecting request for target %s (queue depth=%d, max=%d)",
				targetID, currentDepth, dq.maxQueueSize)
			return &QueueError{
				TargetID: targetID,
				Kind:     QueueErrorFull,
				Depth:    currentDepth,
				MaxSize:  dq.maxQueueSize,
			}
		}
	}

	// Caminho lento: entrar na fila de espera distribuída.
	dq.incrementDepth(targetID)
	defer dq.decrementDepth(targetID)

	log.Printf("[dqueue] Entering distributed wait for target %s (depth=%d, timeout=%s)",
		targetID, dq.getDepth(targetID), dq.timeout)

	start := time.Now()
	err := dq.semaphore.Wait(ctx, targetID, dq.timeout)
	dur := time.Since(start)

	if err != nil {
		// Classificar o erro.
		if ctx.Err() != nil {
			metrics.ConnectionsTotal.WithLabelValues(targetID, "cancelled").Inc()
			log.Printf("[dqueue] Wait cancelled for target %s after %v: %v", targetID, dur, err)
			return ctx.Err()
		}
		metrics.ConnectionsTotal.WithLabelValues(targetID, "timeout").Inc()
		log.Printf("[dqueue] Wait timed out for target %s after %v: %v", targetID, dur, err)
		return &QueueError{
			TargetID: targetID,
			Kind:     QueueErrorTimeout,
			WaitTime: dur,
			Timeout:  dq.timeout,
		}
	}

	metrics.ConnectionsTotal.WithLabelValues(targetID, "acquired_after_wait").Inc()
	log.Printf("[dqueue] Acquired slot for target %s after %v wait", targetID, dur)
	return nil
}

// Release notifica a fila distribuída que uma conexão foi liberada.
// Isso é tratado internamente pelo script Lua do coordinator (PUBLISH).
// Chamar este método explicitamente garante que o release do coordinator seja invocado.
func (dq *DistributedQueue) Release(ctx context.Context, targetID string) error {
	return dq.coordinator.Release(ctx, targetID)
}

// Depth retorna a profundidade atual da fila de espera distribuída para um target.
func (dq *DistributedQueue) Depth(targetID string) int {
	return dq.getDepth(targetID)
}

// ── Tipos de Erro de Fila ─────────────────────────────────────────────

// QueueErrorKind classifica o tipo de erro de fila.
type QueueErrorKind int

const (
	// QueueErrorTimeout significa que a requisição esperou o período completo de timeout.
	QueueErrorTimeout QueueErrorKind = iota
	// QueueErrorFull significa que a fila está na capacidade máxima (circuit breaker).
	QueueErrorFull
)

// QueueError fornece informações estruturadas de erro para falhas de fila.
type QueueError struct {
	TargetID string
	Kind     QueueErrorKind
	Depth    int           // profundidade atual da fila (para QueueErrorFull)
	MaxSize  int           // tamanho máximo da fila (para QueueErrorFull)
	WaitTime time.Duration // quanto tempo a requisição esperou (para QueueErrorTimeout)
	Timeout  time.Duration // timeout configurado (para QueueErrorTimeout)
}

func (e *QueueError) Error() string {
	switch e.Kind {
	case QueueErrorFull:
		return fmt.Sprintf("queue full for target %s (depth=%d, max=%d)",
			e.TargetID, e.Depth, e.MaxSize)
	case QueueErrorTimeout:
		return fmt.Sprintf("queue timeout for target %s (waited=%v, timeout=%v)",
			e.TargetID, e.WaitTime, e.Timeout)
	default:
		return fmt.Sprintf("queue error for target %s", e.TargetID)
	}
}

// IsQueueFull verifica se o erro é uma rejeição do circuit breaker.
func IsQueueFull(err error) bool {
	if qe, ok := err.(*QueueError); ok {
		return qe.Kind == QueueErrorFull
	}
	return false
}

// IsQueueTimeout verifica se o erro é um timeout de fila.
func IsQueueTimeout(err error) bool {
	if qe, ok := err.(*QueueError); ok {
		return qe.Kind == QueueErrorTimeout
	}
	return false
}

// ── Helpers internos ─────────────────────────────────────────────────────

func (dq *DistributedQueue) incrementDepth(targetID string) {
	dq.mu.Lock()
	dq.depths[targetID]++
	depth := dq.depths[targetID]
	dq.mu.Unlock()
	metrics.QueueLength.WithLabelValues(targetID).Set(float64(depth))
}

func (dq *DistributedQueue) decrementDepth(targetID string) {
	dq.mu.Lock()
	dq.depths[targetID]--
	if dq.depths[targetID] < 0 {
		dq.depths[targetID] = 0
	}
	depth := dq.depths[targetID]
	dq.mu.Unlock()
	metrics.QueueLength.WithLabelValues(targetID).Set(float64(depth))
}

func (dq *DistributedQueue) getDepth(targetID string) int {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return dq.depths[targetID]
}
