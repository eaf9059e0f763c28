package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/noah-isme/course-ledger-api/internal/models"
	"github.com/noah-isme/course-ledger-api/internal/service"
)

var (
	readPasswordFunc = term.ReadPassword

	errHelp = errors.New("help provided")
)

type userProvisioner interface {
	Provision(ctx context.Context, req service.ProvisionUserRequest) (*models.User, error)
}

type commandLine struct {
	migrate func(command string, args ...string) error
	users   userProvisioner
	out     io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate up|down|status|redo|reset|version|up-to V|down-to V - run database migrations")
	fmt.Fprintln(cli.out, "  adduser -email EMAIL -name NAME [-role ADMIN|PROFESSOR] - create a staff account or reset its password")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2], args[3:]...)
	case "adduser":
		return cli.addUser(args[2:])
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) addUser(args []string) error {
	cmd := flag.NewFlagSet("adduser", flag.ContinueOnError)
	cmd.SetOutput(cli.out)
	email := cmd.String("email", "", "The user's email. The password will be prompted next.")
	name := cmd.String("name", "", "The user's full name.")
	role := cmd.String("role", string(models.RoleProfessor), "ADMIN or PROFESSOR.")
	if err := cmd.Parse(args); err != nil {
		return err
	}
	if *email == "" || *name == "" {
		cmd.Usage()
		return errHelp
	}

	fmt.Fprint(cli.out, "Enter password:")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Fprintln(cli.out)
	if err != nil {
		return err
	}
	if len(pwd) == 0 {
		cmd.Usage()
		return errHelp
	}

	user, err := cli.users.Provision(context.Background(), service.ProvisionUserRequest{
		Email:    *email,
		FullName: *name,
		Role:     models.UserRole(strings.ToUpper(*role)),
		Password: string(pwd),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "user %s (%s) ready\n", user.Email, user.Role)
	return nil
}
