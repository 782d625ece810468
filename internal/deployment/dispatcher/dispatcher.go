// Package dispatcher resolves a dynamic HTTP path to a deployment and
// runs its design, the same execution path manual and scheduled
// triggers go through.
package dispatcher

import (
	"context"
	"io"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/deployment/store"
	"github.com/loomctl/loom/internal/loomerr"
	"github.com/loomctl/loom/pkg/types"
)

var endpointPathPattern = regexp.MustCompile(`^/[A-Za-z0-9/_-]+$`)

// DesignResolver loads the Design a deployment binds to. Kept as an
// injected func, the same decoupling the Design DAG Executor uses for
// workspace provisioning, so this package never has to import the
// design store directly.
type DesignResolver func(ctx context.Context, designID string) (types.Design, error)

// Executor runs a resolved Design to completion. *design.Executor
// satisfies this directly.
type Executor interface {
	Run(ctx context.Context, d types.Design, initialTask, executionID, userID string, requiredCredentialKeys []string) (string, error)
}

// Dispatcher answers POST <root>/<endpoint_path> requests by
// resolving an active deployment and driving its design, and exposes
// Execute so the scheduler can trigger the same path on a timer.
type Dispatcher struct {
	store         *store.Store
	resolveDesign DesignResolver
	executor      Executor
	logger        *logger.Logger
}

// New builds a Dispatcher.
func New(st *store.Store, resolveDesign DesignResolver, executor Executor, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:         st,
		resolveDesign: resolveDesign,
		executor:      executor,
		logger:        log.WithFields(zap.String("component", "deployment_dispatcher")),
	}
}

// RegisterRoutes mounts the dynamic dispatch endpoint under router.
func (d *Dispatcher) RegisterRoutes(router gin.IRouter) {
	router.POST("/deployed/*endpoint", d.handleDispatch)
}

func (d *Dispatcher) handleDispatch(c *gin.Context) {
	path := c.Param("endpoint")
	if !endpointPathPattern.MatchString(path) {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "InvalidEndpointPath", "message": "endpoint path must match ^/[A-Za-z0-9/_-]+$"}})
		return
	}

	ctx := c.Request.Context()
	deployment, err := d.store.GetDeploymentByPath(ctx, path)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "EndpointNotFound", "message": "no deployment is bound to this path"}})
		return
	}
	if deployment.Status != types.DeploymentActive {
		c.JSON(http.StatusConflict, gin.H{"error": gin.H{"code": "EndpointConflict", "message": "deployment is not active"}})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "InvalidBody", "message": err.Error()}})
		return
	}

	result, execErr := d.Execute(ctx, deployment, types.TriggerAPI, string(body))
	if execErr != nil {
		c.JSON(http.StatusOK, gin.H{"error": execErr.Error(), "trace": result})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// Execute resolves deployment's design, runs it against input, and
// records an ExecutionLog bracketing the run. It is shared by manual
// dispatch, API dispatch, and the scheduler's fire callback, so every
// trigger kind produces an identical execution trail.
func (d *Dispatcher) Execute(ctx context.Context, deployment *types.Deployment, trigger types.Trigger, input string) (string, error) {
	design, err := d.resolveDesign(ctx, deployment.DesignID)
	if err != nil {
		return "", loomerr.Wrap(loomerr.KindValidation, "failed to resolve design "+deployment.DesignID, err)
	}

	executionID := uuid.New().String()
	log := &types.ExecutionLog{
		ID:           uuid.New().String(),
		DeploymentID: deployment.ID,
		ExecutionID:  executionID,
		Trigger:      trigger,
		Input:        input,
	}
	if err := d.store.RecordExecutionStart(ctx, log); err != nil {
		return "", err
	}

	result, runErr := d.executor.Run(ctx, design, input, executionID, "", nil)

	status := types.ExecutionCompleted
	errMsg := ""
	if runErr != nil {
		status = types.ExecutionFailed
		errMsg = runErr.Error()
	}
	if err := d.store.RecordExecutionEnd(ctx, log.ID, status, result, errMsg); err != nil {
		d.logger.Error("failed to record execution end", zap.String("deployment_id", deployment.ID), zap.Error(err))
	}

	return result, runErr
}

// FireScheduled adapts Execute to the scheduler.Fire signature: empty
// input, trigger "scheduled", errors logged rather than returned since
// nothing is waiting on a cron tick's result.
func (d *Dispatcher) FireScheduled(ctx context.Context, deployment *types.Deployment) {
	if _, err := d.Execute(ctx, deployment, types.TriggerScheduled, ""); err != nil {
		d.logger.Error("scheduled execution failed", zap.String("deployment_id", deployment.ID), zap.Error(err))
	}
}
