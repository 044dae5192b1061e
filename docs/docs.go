// Package docs registers the Swagger document served under /swagger.
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
        "/healthz": {
            "get": {
                "summary": "Health check",
                "tags": [
                    "ops"
                ],
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                }
            }
        },
        "/facilities/{id}/slots": {
            "get": {
                "summary": "List free intervals per field",
                "tags": [
                    "slots"
                ],
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "type": "integer",
                        "description": "Facility ID",
                        "name": "id",
                        "in": "path",
                        "required": true
                    },
                    {
                        "type": "integer",
                        "description": "Sport ID",
                        "name": "sport_id",
                        "in": "query",
                        "required": true
                    },
                    {
                        "type": "string",
                        "description": "YYYY-MM-DD",
                        "name": "date",
                        "in": "query",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/httpgin.SlotsResponse"
                        }
                    },
                    "400": {
                        "description": "error",
                        "schema": {
                            "$ref": "#/definitions/httpgin.ErrorResponse"
                        }
                    }
                }
            }
        },
        "/reservations": {
            "post": {
                "summary": "Create reservation (idempotent)",
                "tags": [
                    "reservations"
                ],
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "description": "payload",
                        "name": "req",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/httpgin.SlotRequest"
                        }
                    },
                    {
                        "type": "string",
                        "description": "Idempotency key",
                        "name": "Idempotency-Key",
                        "in": "header"
                    }
                ],
                "responses": {
                    "201": {
                        "description": "reservation",
                        "schema": {
                            "$ref": "#/definitions/domain.Reservation"
                        }
                    },
                    "400": {
                        "description": "error",
                        "schema": {
                            "$ref": "#/definitions/httpgin.ErrorResponse"
                        }
                    },
                    "409": {
                        "description": "error",
                        "schema": {
                            "$ref": "#/definitions/httpgin.ErrorResponse"
                        }
                    },
                    "422": {
                        "description": "idempotency key reused",
                        "schema": {
                            "$ref": "#/definitions/httpgin.ErrorResponse"
                        }
                    },
                    "429": {
                        "description": "error",
                        "schema": {
                            "$ref": "#/definitions/httpgin.ErrorResponse"
                        }
                    }
                }
            }
        },
        "/reservations/drafts": {
            "post": {
                "summary": "Start a draft without a slot",
                "tags": [
                    "reservations"
                ],
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "201": {
                        "description": "reservation",
                        "schema": {
                            "$ref": "#/definitions/domain.Reservation"
                        }
                    }
                }
            }
        },
        "/reservations/{id}": {
            "get": {
                "summary": "Get reservation",
                "tags": [
                    "reservations"
                ],
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "Reservation ID (uuid)",
                        "name": "id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {
                        "description": "reservation",
                        "schema": {
                            "$ref": "#/definitions/domain.Reservation"
                        }
                    },
                    "404": {
                        "description": "error",
                        "schema": {
                            "$ref": "#/definitions/httpgin.ErrorResponse"
                        }
                    }
                }
            }
        },
        "/reservations/{id}/slot": {
            "put": {
                "summary": "Select the slot of a draft",
                "tags": [
                    "reservations"
                ],
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "Reservation ID (uuid)",
                        "name": "id",
                        "in": "path",
                        "required": true
                    },
                    {
                        "description": "payload",
                        "name": "req",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/httpgin.SlotRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "reservation",
                        "schema": {
                            "$ref": "#/definitions/domain.Reservation"
                        }
                    },
                    "409": {
                        "description": "error",
                        "schema": {
                            "$ref": "#/definitions/httpgin.ErrorResponse"
                        }
                    }
                }
            }
        },
        "/reservations/{id}/services": {
            "put": {
                "summary": "Replace add-on services",
                "tags": [
                    "reservations"
                ],
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "Reservation ID (uuid)",
                        "name": "id",
                        "in": "path",
                        "required": true
                    },
                    {
                        "description": "payload",
                        "name": "req",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/httpgin.SetServicesRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "reservation",
                        "schema": {
                            "$ref": "#/definitions/domain.Reservation"
                        }
                    },
                    "400": {
                        "description": "error",
                        "schema": {
                            "$ref": "#/definitions/httpgin.ErrorResponse"
                        }
                    }
                }
            }
        },
        "/reservations/{id}/voucher": {
            "put": {
                "summary": "Apply a voucher",
                "tags": [
                    "reservations"
                ],
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "Reservation ID (uuid)",
                        "name": "id",
                        "in": "path",
                        "required": true
                    },
                    {
                        "description": "payload",
                        "name": "req",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/httpgin.ApplyVoucherRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "reservation",
                        "schema": {
                            "$ref": "#/definitions/domain.Reservation"
                        }
                    },
                    "422": {
                        "description": "error",
                        "schema": {
                            "$ref": "#/definitions/httpgin.ErrorResponse"
                        }
                    }
                }
            },
            "delete": {
                "summary": "Remove the voucher",
                "tags": [
                    "reservations"
                ],
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "Reservation ID (uuid)",
                        "name": "id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {
                        "description": "reservation",
                        "schema": {
                            "$ref": "#/definitions/domain.Reservation"
                        }
                    }
                }
            }
        },
        "/reservations/{id}/payment": {
            "post": {
                "summary": "Request payment",
                "tags": [
                    "reservations"
                ],
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "Reservation ID (uuid)",
                        "name": "id",
                        "in": "path",
                        "required": true
                    },
                    {
                        "description": "payload",
                        "name": "req",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/httpgin.RequestPaymentRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "confirmed without payment",
                        "schema": {
                            "$ref": "#/definitions/httpgin.PaymentResponse"
                        }
                    },
                    "202": {
                        "description": "awaiting payment",
                        "schema": {
                            "$ref": "#/definitions/httpgin.PaymentResponse"
                        }
                    },
                    "504": {
                        "description": "error",
                        "schema": {
                            "$ref": "#/definitions/httpgin.ErrorResponse"
                        }
                    }
                }
            }
        },
        "/reservations/{id}/cancel": {
            "post": {
                "summary": "Cancel reservation",
                "tags": [
                    "reservations"
                ],
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "Reservation ID (uuid)",
                        "name": "id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {
                        "description": "reservation",
                        "schema": {
                            "$ref": "#/definitions/domain.Reservation"
                        }
                    },
                    "409": {
                        "description": "error",
                        "schema": {
                            "$ref": "#/definitions/httpgin.ErrorResponse"
                        }
                    }
                }
            }
        },
        "/payments/callback": {
            "post": {
                "summary": "Payment gateway webhook",
                "tags": [
                    "payments"
                ],
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK"
                    },
                    "401": {
                        "description": "error",
                        "schema": {
                            "$ref": "#/definitions/httpgin.ErrorResponse"
                        }
                    }
                }
            }
        }
    },
    "definitions": {
        "httpgin.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {
                    "type": "string"
                },
                "reason": {
                    "type": "string"
                }
            }
        },
        "httpgin.SlotRequest": {
            "type": "object",
            "required": [
                "field_id",
                "sport_id",
                "date",
                "start",
                "end"
            ],
            "properties": {
                "field_id": {
                    "type": "integer"
                },
                "sport_id": {
                    "type": "integer"
                },
                "date": {
                    "type": "string",
                    "example": "2025-03-07"
                },
                "start": {
                    "type": "string",
                    "example": "18:00"
                },
                "end": {
                    "type": "string",
                    "example": "19:00"
                }
            }
        },
        "httpgin.ServiceLineInput": {
            "type": "object",
            "properties": {
                "service_id": {
                    "type": "integer"
                },
                "quantity": {
                    "type": "integer"
                }
            }
        },
        "httpgin.SetServicesRequest": {
            "type": "object",
            "properties": {
                "services": {
                    "type": "array",
                    "items": {
                        "$ref": "#/definitions/httpgin.ServiceLineInput"
                    }
                }
            }
        },
        "httpgin.ApplyVoucherRequest": {
            "type": "object",
            "required": [
                "voucher_id"
            ],
            "properties": {
                "voucher_id": {
                    "type": "string"
                }
            }
        },
        "httpgin.RequestPaymentRequest": {
            "type": "object",
            "required": [
                "method"
            ],
            "properties": {
                "method": {
                    "type": "string",
                    "example": "card"
                },
                "token": {
                    "type": "string"
                }
            }
        },
        "httpgin.PaymentResponse": {
            "type": "object",
            "properties": {
                "reservation_id": {
                    "type": "string"
                },
                "state": {
                    "type": "string"
                },
                "payment_ref": {
                    "type": "string"
                },
                "redirect_url": {
                    "type": "string"
                },
                "total": {
                    "type": "integer"
                }
            }
        },
        "domain.Interval": {
            "type": "object",
            "properties": {
                "start": {
                    "type": "string"
                },
                "end": {
                    "type": "string"
                }
            }
        },
        "domain.FieldAvailability": {
            "type": "object",
            "properties": {
                "field_id": {
                    "type": "integer"
                },
                "field_name": {
                    "type": "string"
                },
                "free_intervals": {
                    "type": "array",
                    "items": {
                        "$ref": "#/definitions/domain.Interval"
                    }
                }
            }
        },
        "httpgin.SlotsResponse": {
            "type": "object",
            "properties": {
                "facility_id": {
                    "type": "integer"
                },
                "sport_id": {
                    "type": "integer"
                },
                "date": {
                    "type": "string"
                },
                "fields": {
                    "type": "array",
                    "items": {
                        "$ref": "#/definitions/domain.FieldAvailability"
                    }
                }
            }
        },
        "domain.Pricing": {
            "type": "object",
            "properties": {
                "field_price": {
                    "type": "integer"
                },
                "service_price": {
                    "type": "integer"
                },
                "discount_amount": {
                    "type": "integer"
                },
                "total": {
                    "type": "integer"
                }
            }
        },
        "domain.Reservation": {
            "type": "object",
            "properties": {
                "id": {
                    "type": "string"
                },
                "user_id": {
                    "type": "string"
                },
                "field_id": {
                    "type": "integer"
                },
                "facility_id": {
                    "type": "integer"
                },
                "date": {
                    "type": "string"
                },
                "start": {
                    "type": "string"
                },
                "end": {
                    "type": "string"
                },
                "sport_id": {
                    "type": "integer"
                },
                "service_lines": {
                    "type": "array",
                    "items": {
                        "$ref": "#/definitions/httpgin.ServiceLineInput"
                    }
                },
                "voucher_id": {
                    "type": "string"
                },
                "voucher_notice": {
                    "type": "string"
                },
                "pricing": {
                    "$ref": "#/definitions/domain.Pricing"
                },
                "state": {
                    "type": "string"
                },
                "hold_expires_at": {
                    "type": "string"
                },
                "payment_ref": {
                    "type": "string"
                },
                "redirect_url": {
                    "type": "string"
                },
                "needs_review": {
                    "type": "boolean"
                },
                "version": {
                    "type": "integer"
                }
            }
        }
    }
}`

// SwaggerInfo lets main override host and base path at startup.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Fieldbook API",
	Description:      "Field reservation engine: slot locking, pricing, vouchers and payment.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
