package maps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"googlemaps.github.io/maps"
)

var ErrNoRoute = errors.New("no route found")

// RouteService estimates driving time between two free-form addresses with the Directions API.
type RouteService struct {
	client *maps.Client
	region string
}

// NewRouteService creates a RouteService; region is an optional ccTLD bias such as "ph".
func NewRouteService(apiKey, region string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client, region: region}, nil
}

// TravelTime returns the driving duration of the first route's first leg.
func (s *RouteService) TravelTime(ctx context.Context, origin, destination string) (time.Duration, error) {
	r := &maps.DirectionsRequest{
		Origin:      origin,
		Destination: destination,
		Mode:        maps.TravelModeDriving,
		Region:      s.region,
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, ErrNoRoute
	}
	return routes[0].Legs[0].Duration, nil
}
