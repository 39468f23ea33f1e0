// Package code defines the close codes used by the graphql-transport-ws
// protocol.
package code

const (
	BadRequest                      = 4400
	Unauthorized                    = 4401
	Forbidden                       = 4403
	ConnectionInitialisationTimeout = 4408
	SubscriberAlreadyExists         = 4409
	TooManyInitialisationRequests   = 4429
	InternalServerError             = 4501
)
