package routes

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/triboka/agroledger_backend/chain"
	"github.com/triboka/agroledger_backend/utils"
)

// Register wires all API routes. Handlers are thin glue: parse, call the
// models layer, map errors.
func Register(r *gin.Engine, pipeline *chain.TransactionPipeline) {
	api := r.Group("/api/v1")

	api.POST("/companies", createCompanyHandler)
	api.GET("/companies", listCompaniesHandler)
	api.GET("/companies/:id", getCompanyHandler)

	api.POST("/contracts", createContractHandler)
	api.GET("/contracts", listContractsHandler)
	api.GET("/contracts/:id", getContractHandler)
	api.PUT("/contracts/:id", updateContractHandler)
	api.PUT("/contracts/:id/status", updateContractStatusHandler)
	api.DELETE("/contracts/:id", deleteContractHandler)
	api.GET("/contracts/:id/anchors", listAnchorRequestsHandler)

	api.POST("/contracts/:id/fixations", createFixationHandler)
	api.GET("/contracts/:id/fixations/summary", fixationSummaryHandler)
	api.DELETE("/fixations/:id", deleteFixationHandler)

	api.GET("/contracts/:id/metadata", getMetadataHandler)
	api.PUT("/contracts/:id/metadata", writeMetadataHandler)
	api.POST("/contracts/:id/metadata/lock", lockMetadataHandler)
	api.GET("/contracts/:id/metadata/history", metadataHistoryHandler)

	api.GET("/chain/status", chainStatusHandler(pipeline))
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var (
		validationErr *utils.ValidationError
		transitionErr *utils.InvalidTransitionError
		volumeErr     *utils.InsufficientVolumeError
		permissionErr *utils.PermissionDeniedError
		dependentsErr *utils.HasDependentsError
		lockedErr     *utils.AlreadyLockedError
		incompleteErr *utils.IncompleteMetadataError
	)
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &permissionErr):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.As(err, &transitionErr), errors.As(err, &dependentsErr), errors.As(err, &lockedErr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &volumeErr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "available": volumeErr.Available.String()})
	case errors.As(err, &incompleteErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "missing": incompleteErr.Missing})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
