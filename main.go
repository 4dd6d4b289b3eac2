package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/javahippie/fitpub-sub002/activitypub"
	"github.com/javahippie/fitpub-sub002/db"
	"github.com/javahippie/fitpub-sub002/util"
	"github.com/javahippie/fitpub-sub002/web"
)

const databaseFileName = "fitpub.db"

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	database, err := db.Open(util.ResolveFilePath(databaseFileName))
	if err != nil {
		log.Fatal("failed to open database", "err", err)
	}
	defer database.Close()

	directory := activitypub.NewDirectory(database)
	dispatcher := activitypub.NewDispatcher(directory,
		conf.Conf.DeliveryWorkers,
		conf.Conf.DeliveryQueue,
		conf.Conf.DeliveryAttempts)
	outbox := activitypub.NewOutbox(database, directory, dispatcher, conf)
	processor := activitypub.NewProcessor(database, directory, outbox, conf)

	server := web.NewServer(database, processor, conf)
	startServing(server, dispatcher, conf)
}

func startServing(server *web.Server, dispatcher *activitypub.Dispatcher, conf *util.AppConfig) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Run(); err != nil {
			log.Fatal(err)
		}
	}()

	<-done
	log.Info("stopping federation server")
	// Drain queued deliveries before exiting
	dispatcher.Close()
}
