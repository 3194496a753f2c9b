// Package docs holds the OpenAPI description served at /docs.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/": {
            "get": {
                "description": "Get basic worker information and capabilities",
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Worker information",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.WorkerInfoResponse"}}
                }
            }
        },
        "/health": {
            "get": {
                "description": "Check if the worker is healthy and responsive",
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.HealthResponse"}}
                }
            }
        },
        "/signal_data": {
            "get": {
                "description": "Current vehicle count and signal colour of every lane, numbered from 1",
                "produces": ["application/json"],
                "tags": ["intersection"],
                "summary": "Signal data",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/models.SignalInfo"}}}
                }
            }
        },
        "/vehicle_logs": {
            "get": {
                "description": "Latest detected vehicles of every lane, in lane order",
                "produces": ["application/json"],
                "tags": ["intersection"],
                "summary": "Vehicle log",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.VehicleLogResponse"}}
                }
            }
        },
        "/lanes": {
            "get": {
                "description": "Full per-lane snapshot and the current phase",
                "produces": ["application/json"],
                "tags": ["intersection"],
                "summary": "Lanes",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}}
                }
            }
        },
        "/lanes/reported": {
            "get": {
                "description": "Latest persisted report of every lane",
                "produces": ["application/json"],
                "tags": ["intersection"],
                "summary": "Reported lanes",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"type": "object"}}},
                    "500": {"description": "Internal Server Error", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "503": {"description": "Service Unavailable", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/video_feed/{lane_idx}": {
            "get": {
                "description": "MJPEG stream of a lane with vehicle boxes, speeds and the lane's signal colour",
                "produces": ["multipart/x-mixed-replace"],
                "tags": ["video"],
                "summary": "Annotated lane video",
                "parameters": [
                    {"type": "integer", "description": "Lane index, starting at 0", "name": "lane_idx", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "file"}},
                    "404": {"description": "Not Found", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/ws/signals": {
            "get": {
                "description": "Websocket that sends the signal snapshot immediately and then at a fixed interval",
                "tags": ["intersection"],
                "summary": "Live signal data",
                "responses": {}
            }
        },
        "/system/stats": {
            "get": {
                "description": "Runtime metrics plus per-lane pipeline, detector, messaging and reporter counters",
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Get system stats",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        }
    },
    "definitions": {
        "handlers.HealthResponse": {
            "type": "object",
            "properties": {
                "intersection_id": {"type": "string", "example": "intersection-1"},
                "status": {"type": "string", "example": "healthy"}
            }
        },
        "handlers.WorkerInfoResponse": {
            "type": "object",
            "properties": {
                "capabilities": {"type": "array", "items": {"type": "string"}},
                "intersection_id": {"type": "string", "example": "intersection-1"},
                "lanes": {"type": "integer", "example": 4},
                "status": {"type": "string", "example": "running"},
                "version": {"type": "string", "example": "1.0.0"}
            }
        },
        "models.SignalInfo": {
            "type": "object",
            "properties": {
                "lane": {"type": "integer", "example": 1},
                "signal": {"type": "string", "example": "green"},
                "vehicle_count": {"type": "integer", "example": 7}
            }
        },
        "models.VehicleLogResponse": {
            "type": "object",
            "properties": {
                "detected_vehicles": {"type": "array", "items": {"type": "object"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0.0",
	Host:             "localhost:5000",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "Intersection Worker API",
	Description:      "Adaptive traffic signal worker: per-lane vehicle detection, signal phases and annotated MJPEG video",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
