// Package services contains the business logic layer: the license service
// (key issuer and activation admission controller) and the product service.
// Services depend on narrow store interfaces and return domain sentinel
// errors; HTTP concerns stay in the transport layer.
package services
