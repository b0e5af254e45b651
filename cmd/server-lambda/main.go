package main

import (
	"context"
	"log"

	"example/mixreport-api/app"
	"example/mixreport-api/app/config"
	"example/mixreport-api/app/logging"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var ginLambda *ginadapter.GinLambda

// init runs once per Lambda container (cold start). Migrations are applied
// by cmd/migrate during deploys, never from here.
func init() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Logs)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	// Connections live as long as the container.
	deps, _, _, err := app.Build(context.Background(), cfg, logger, prometheus.NewRegistry())
	if err != nil {
		log.Fatalf("failed to build services: %v", err)
	}
	router, err := app.NewRouter(deps)
	if err != nil {
		log.Fatalf("failed to initialize router: %v", err)
	}

	// Wrap Gin router with Lambda adapter
	ginLambda = ginadapter.New(router)
}

// Handler is the Lambda entrypoint for API Gateway REST/HTTP API (proxy integration)
func Handler(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return ginLambda.ProxyWithContext(ctx, req)
}

func main() {
	lambda.Start(Handler)
}
