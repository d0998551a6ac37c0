// Package http implements HTTP request handlers for the license service.
// It provides a thin layer between HTTP transport and business logic:
// handlers parse and validate requests, delegate to the service layer, and
// translate service errors into RFC 7807 problem responses.
//
// A typical request flows through these layers:
//
//	HTTP Request → Chi Router → Middleware → Handler → Service → Store
//	                                              ↓
//	HTTP Response ← Handler ← Service Response ←─┘
//
// All error responses follow RFC 7807 Problem Details:
//
//	{
//	    "type": "license-not-active",
//	    "title": "Forbidden",
//	    "status": 403,
//	    "detail": "License not active",
//	    "instance": "/api/licenses/activate"
//	}
//
// Handlers are tested with httptest against mocked services.
package http
