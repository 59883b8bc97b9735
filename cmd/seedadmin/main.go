// Command seedadmin creates the bootstrap administrator account. The email
// defaults to the configured bootstrap address; the password is read from
// the terminal.
package main

import (
	"bufio"
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/prompt"
	"github.com/dmitrijs2005/gophauth/internal/server"
	"github.com/dmitrijs2005/gophauth/internal/server/config"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
)

func main() {
	ctx := context.Background()
	cfg := config.LoadConfig()

	reader := bufio.NewReader(os.Stdin)
	email, err := prompt.Line(reader, os.Stdout, "Admin email ["+cfg.BootstrapAdminEmail+"]")
	if err != nil {
		log.Fatalf("%v", err)
	}
	if email == "" {
		email = cfg.BootstrapAdminEmail
	}

	password, err := prompt.Password(int(os.Stdin.Fd()), os.Stdout)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer common.WipeByteArray(password)

	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer app.Close()

	created, err := app.Accounts().SeedAdmin(ctx, services.AdminInput{
		Email:     email,
		Password:  string(password),
		FirstName: "admin",
		LastName:  "admin",
	})
	if err != nil {
		log.Printf("seeding failed: %v", err)
		return
	}
	if created {
		log.Printf("administrator %s created", email)
	} else {
		log.Printf("administrator %s already exists", email)
	}
}
