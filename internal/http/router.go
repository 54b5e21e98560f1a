// README: HTTP route registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agrimarket/internal/http/middleware"
	"agrimarket/internal/types"
)

func health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) registerContracts(api *gin.RouterGroup) {
	customer := middleware.RequireRole(types.RoleCustomer)
	farmer := middleware.RequireRole(types.RoleFarmer)

	api.GET("/contracts", s.contracts.ListOpen)
	api.GET("/contracts/mine", customer, s.contracts.ListMine)
	api.GET("/contracts/:id", customer, s.contracts.Get)
	api.POST("/contracts", customer, s.contracts.Create)
	api.PUT("/contracts/:id", customer, s.contracts.Update)
	api.POST("/contracts/:id/cancel", customer, s.contracts.Cancel)
	api.POST("/contracts/:id/bids", farmer, s.contracts.PlaceBid)
	api.POST("/bids/:id/accept", customer, s.contracts.AcceptBid)
}

func (s *Server) registerOrders(api *gin.RouterGroup) {
	customer := middleware.RequireRole(types.RoleCustomer)

	api.POST("/orders", customer, s.orders.Checkout)
	api.GET("/orders", customer, s.orders.List)
	api.GET("/orders/:id", s.orders.Get)
	api.GET("/orders/:id/tracking", customer, s.orders.Tracking)
	api.POST("/orders/:id/cancel", customer, s.orders.Cancel)
	api.POST("/orders/:id/complete", customer, s.orders.Complete)
}

func (s *Server) registerFarmer(g *gin.RouterGroup) {
	g.GET("/contracts", s.contracts.ListForFarmer)
	g.GET("/orders/pending", s.farmers.Pending)
	g.GET("/orders/approved", s.farmers.Approved)
	g.POST("/orders/:id/respond", s.farmers.Respond)
	g.POST("/orders/:id/ready-for-pickup", s.farmers.ReadyForPickup)
	g.GET("/subscription", s.farmers.Subscription)
	g.POST("/subscription/upgrade", s.farmers.Upgrade)
	g.POST("/subscription/downgrade", s.farmers.Downgrade)
}

func (s *Server) registerDriver(g *gin.RouterGroup) {
	g.POST("/orders/:id/picked-up", s.drivers.PickedUp)
	g.POST("/orders/:id/in-transit", s.drivers.InTransit)
	g.POST("/orders/:id/delivered", s.drivers.Delivered)
	g.POST("/orders/:id/completed", s.drivers.Completed)
	g.PUT("/availability", s.drivers.SetAvailability)
	g.GET("/deliveries", s.drivers.Deliveries)
}

func (s *Server) registerAdmin(g *gin.RouterGroup) {
	g.DELETE("/contracts/:id", s.contracts.Delete)
	g.POST("/orders/:id/assign-driver", s.orders.AssignDriver)
	g.PATCH("/farmers/:id/approve", s.admin.ApproveFarmer)
	g.PATCH("/farmers/:id/reject", s.admin.RejectFarmer)
}
