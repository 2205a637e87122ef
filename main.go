package main

import (
	"fmt"
	"log"

	"StoryFlow-server/config"
	"StoryFlow-server/models"
	"StoryFlow-server/provider"
	"StoryFlow-server/routers"
	"StoryFlow-server/service"
)

func main() {
	config.InitConfig()
	fmt.Println("Server starting on port", config.AppConfig.Server.Port)
	models.InitDB()
	fmt.Println("Database initialized")

	service.InitQueue()
	fmt.Println("Queue initialized")

	service.InitMinIO()
	fmt.Println("MinIO initialized")

	registry, err := provider.FromConfig(config.AppConfig)
	if err != nil {
		log.Fatalf("provider registry: %v", err)
	}
	pipeline := &service.Pipeline{
		Config:    config.AppConfig,
		Providers: registry,
		Storage:   service.NewMinIOStorage(service.MinioClient, config.AppConfig.MinIO.Bucket),
	}
	processor := service.NewProcessor(models.GormDB, service.RedisClient, pipeline)
	processor.StartProcessor(config.AppConfig.Pipeline.ProcessorConcurrency)

	r := routers.InitRouter()
	r.Run(config.AppConfig.Server.Port)
}
