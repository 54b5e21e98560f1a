// README: API gateway; builds the gin engine and delegates to module services.
package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agrimarket/internal/http/handlers"
	"agrimarket/internal/http/middleware"
	"agrimarket/internal/infra"
	"agrimarket/internal/types"
)

type ServerDeps struct {
	Contracts     handlers.ContractService
	Orders        handlers.OrderService
	Dispatch      handlers.DispatchService
	Subscriptions handlers.SubscriptionService
	Verification  handlers.VerificationService
	Verifier      infra.TokenVerifier
	Logger        *zap.Logger
}

type Server struct {
	contracts *handlers.ContractHandler
	orders    *handlers.OrderHandler
	farmers   *handlers.FarmerHandler
	drivers   *handlers.DriverHandler
	admin     *handlers.AdminHandler
	verifier  infra.TokenVerifier
	logger    *zap.Logger
}

func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		contracts: handlers.NewContractHandler(deps.Contracts),
		orders:    handlers.NewOrderHandler(deps.Orders),
		farmers:   handlers.NewFarmerHandler(deps.Orders, deps.Subscriptions),
		drivers:   handlers.NewDriverHandler(deps.Orders, deps.Dispatch),
		admin:     handlers.NewAdminHandler(deps.Verification),
		verifier:  deps.Verifier,
		logger:    logger,
	}
}

// Routes returns the engine with recovery, request logging and the authenticated API group.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(s.logger), middleware.Logging(s.logger))
	r.GET("/health", health)

	api := r.Group("/api", middleware.Auth(s.verifier))
	s.registerContracts(api)
	s.registerOrders(api)
	s.registerFarmer(api.Group("/farmer", middleware.RequireRole(types.RoleFarmer)))
	s.registerDriver(api.Group("/driver", middleware.RequireRole(types.RoleDriver)))
	s.registerAdmin(api.Group("/admin", middleware.RequireRole(types.RoleAdmin)))
	return r
}
