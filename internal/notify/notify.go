// Package notify fans work-order snapshots and heartbeats out to the
// UI's WebSocket connections through the API Gateway management
// endpoint. Subscriptions live in an externally owned connections
// table; the notifier only prunes rows whose endpoint reports gone.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"

	"github.com/slsupport/email-agent/internal/pkg/logger"
	"github.com/slsupport/email-agent/internal/store"
	"github.com/slsupport/email-agent/internal/workorder"
)

// ConnectionStore is the subscription table surface.
type ConnectionStore interface {
	ScanConnections(ctx context.Context) ([]store.Connection, error)
	DeleteConnection(ctx context.Context, connectionID string) error
}

// poster covers the single management-API call, for test doubles.
type poster interface {
	PostToConnection(ctx context.Context, params *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// Notifier pushes JSON frames to every registered connection.
type Notifier struct {
	client            poster
	conns             ConnectionStore
	log               *logger.Logger
	heartbeatInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Notifier against the WebSocket management endpoint. A
// wss:// URL is rewritten to its https:// management form.
func New(awsCfg aws.Config, endpoint string, conns ConnectionStore, heartbeat time.Duration, log *logger.Logger) *Notifier {
	endpoint = strings.Replace(endpoint, "wss://", "https://", 1)
	client := apigatewaymanagementapi.NewFromConfig(awsCfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return &Notifier{
		client:            client,
		conns:             conns,
		log:               log,
		heartbeatInterval: heartbeat,
		stopCh:            make(chan struct{}),
	}
}

// WorkOrderChanged broadcasts the full updated work order. Called by
// the store after every successful write.
func (n *Notifier) WorkOrderChanged(ctx context.Context, wo *workorder.WorkOrder) {
	payload, err := json.Marshal(map[string]interface{}{
		"type":      "workOrderUpdate",
		"workOrder": wo,
	})
	if err != nil {
		n.log.Error("encoding work order update", "error", err.Error())
		return
	}
	n.broadcast(ctx, payload)
	n.log.Log(logger.WebSocket, "work order update pushed", "workOrderId", wo.ID)
}

// StartHeartbeat begins the periodic liveness sweep that prunes dead
// connections.
func (n *Notifier) StartHeartbeat() {
	if n.heartbeatInterval <= 0 {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(n.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n.heartbeat(context.Background())
			case <-n.stopCh:
				return
			}
		}
	}()
}

// Stop halts the heartbeat loop and waits for it to finish.
func (n *Notifier) Stop() {
	close(n.stopCh)
	n.wg.Wait()
}

func (n *Notifier) heartbeat(ctx context.Context) {
	payload, _ := json.Marshal(map[string]string{
		"type":      "heartbeat",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	n.broadcast(ctx, payload)
}

// broadcast posts the payload to every connection. A gone connection is
// removed from the table; other failures are logged and dropped.
func (n *Notifier) broadcast(ctx context.Context, payload []byte) {
	conns, err := n.conns.ScanConnections(ctx)
	if err != nil {
		n.log.Warn("scanning connections", "error", err.Error())
		return
	}
	for _, conn := range conns {
		_, err := n.client.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
			ConnectionId: aws.String(conn.ConnectionID),
			Data:         payload,
		})
		if err == nil {
			continue
		}
		var gone *types.GoneException
		if errors.As(err, &gone) {
			n.log.Log(logger.WebSocket, "pruning gone connection", "connectionId", conn.ConnectionID)
			if derr := n.conns.DeleteConnection(ctx, conn.ConnectionID); derr != nil {
				n.log.Warn("deleting gone connection", "connectionId", conn.ConnectionID, "error", derr.Error())
			}
			continue
		}
		n.log.Warn("pushing to connection", "connectionId", conn.ConnectionID, "error", err.Error())
	}
}
