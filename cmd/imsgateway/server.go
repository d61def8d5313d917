package main

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/isomet/ims-sdk/connlist"
	"github.com/isomet/ims-sdk/engine"
	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/message"
)

// Gateway errors, one sentinel per failure mode.
var (
	ErrAdapterNotFound    = fmt.Errorf("imsgateway: adapter not found")
	ErrAlreadyConnected   = fmt.Errorf("imsgateway: already connected")
	ErrNoActiveConnection = fmt.Errorf("imsgateway: no active connection")
)

// activeConnection tracks the one connection this gateway process drives
// at a time.
type activeConnection struct {
	mu       sync.Mutex
	adapter  string
	ident    string
	conn     *engine.Connection
	registry *message.Registry
	bus      *event.Bus
}

// Orchestrator wires connlist's device registry to an HTTP status/control
// surface, the thin application layer SPEC_FULL.md's operator tooling
// supplement calls for.
type Orchestrator struct {
	conns  *connlist.List
	active activeConnection
}

func NewOrchestrator(conns *connlist.List) *Orchestrator {
	return &Orchestrator{conns: conns}
}

// Router builds the gin engine and registers every route.
func (o *Orchestrator) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", o.handleHealth)
	router.GET("/devices", o.handleScan)
	router.POST("/devices/:adapter/:ident/connect", o.handleConnect)
	router.POST("/disconnect", o.handleDisconnect)
	router.GET("/status", o.handleStatus)

	return router
}

func (o *Orchestrator) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (o *Orchestrator) handleScan(c *gin.Context) {
	adapterName := c.Query("adapter")
	devices, err := o.conns.Scan(adapterName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (o *Orchestrator) handleConnect(c *gin.Context) {
	adapterName := c.Param("adapter")
	ident := c.Param("ident")

	o.active.mu.Lock()
	defer o.active.mu.Unlock()

	if o.active.conn != nil {
		c.JSON(http.StatusConflict, gin.H{"error": ErrAlreadyConnected.Error()})
		return
	}

	adapter := o.conns.Adapter(adapterName)
	if adapter == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrAdapterNotFound.Error()})
		return
	}
	if err := adapter.Connect(ident); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	registry := message.NewRegistry(adapter.GetTimeouts().AutoFree)
	bus := event.NewBus()
	conn := engine.New(adapter, registry, bus)
	if err := conn.Start(); err != nil {
		adapter.Disconnect()
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	o.active.adapter = adapterName
	o.active.ident = ident
	o.active.conn = conn
	o.active.registry = registry
	o.active.bus = bus

	c.JSON(http.StatusOK, gin.H{"adapter": adapterName, "ident": ident, "status": "connected"})
}

func (o *Orchestrator) handleDisconnect(c *gin.Context) {
	o.active.mu.Lock()
	defer o.active.mu.Unlock()

	if o.active.conn == nil {
		c.JSON(http.StatusConflict, gin.H{"error": ErrNoActiveConnection.Error()})
		return
	}

	if err := o.active.conn.Disconnect(dropTimeout); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	o.active.conn, o.active.registry, o.active.bus = nil, nil, nil
	o.active.adapter, o.active.ident = "", ""

	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func (o *Orchestrator) handleStatus(c *gin.Context) {
	o.active.mu.Lock()
	defer o.active.mu.Unlock()

	if o.active.conn == nil {
		c.JSON(http.StatusOK, gin.H{"connected": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connected":  true,
		"adapter":    o.active.adapter,
		"ident":      o.active.ident,
		"open":       o.active.conn.DeviceIsOpen(),
		"bulk_state": o.active.conn.BulkState(),
		"in_flight":  len(o.active.registry.PendingInFlight()),
	})
}
