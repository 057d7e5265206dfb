package main

import (
	"encoding/hex"
	"fmt"

	"github.com/alecthomas/kong"

	"github.com/open-source-firmware/go-iscsi/pkg/iscsi"
	"github.com/open-source-firmware/go-iscsi/pkg/iscsiurl"
	"github.com/open-source-firmware/go-iscsi/pkg/scsi"
)

// context is the context struct required by kong's command-line parser.
type context struct{}

type connectCmd struct {
	Target   iscsiurl.URL `arg:"" type:"iscsiurl" help:"iscsi://[user[%pass]@]host[:port]/iqn/lun"`
	Initiator string      `flag:"" required:"" help:"initiator IQN"`
}

type loginCmd struct {
	Target    iscsiurl.URL `arg:"" type:"iscsiurl"`
	Initiator string       `flag:"" required:"" help:"initiator IQN"`
}

type inquiryCmd struct {
	Target    iscsiurl.URL `arg:"" type:"iscsiurl"`
	Initiator string       `flag:"" required:"" help:"initiator IQN"`
	EVPD      bool         `flag:"" help:"request a VPD page instead of standard INQUIRY"`
	PageCode  uint8        `flag:"" default:"0" help:"VPD page code, if --evpd"`
}

type read10Cmd struct {
	Target    iscsiurl.URL `arg:"" type:"iscsiurl"`
	Initiator string       `flag:"" required:"" help:"initiator IQN"`
	LBA       uint32       `flag:"" default:"0"`
	Blocks    uint32       `flag:"" default:"1"`
	BlockSize uint32       `flag:"" default:"512"`
}

type write10Cmd struct {
	Target    iscsiurl.URL `arg:"" type:"iscsiurl"`
	Initiator string       `flag:"" required:"" help:"initiator IQN"`
	LBA       uint32       `flag:"" default:"0"`
	BlockSize uint32       `flag:"" default:"512"`
	Data      string       `flag:"" required:"" help:"hex-encoded data to write"`
}

type logoutCmd struct {
	Target    iscsiurl.URL `arg:"" type:"iscsiurl"`
	Initiator string       `flag:"" required:"" help:"initiator IQN"`
}

var cli struct {
	Connect connectCmd `cmd:"" help:"Connect and log in to a target"`
	Login   loginCmd   `cmd:"" help:"Connect, log in, and TEST UNIT READY the target LUN"`
	Inquiry inquiryCmd `cmd:"" help:"Run INQUIRY against a logged-in LUN"`
	Read10  read10Cmd  `cmd:"" help:"Run READ 10 against a logged-in LUN"`
	Write10 write10Cmd `cmd:"" help:"Run WRITE 10 against a logged-in LUN"`
	Logout  logoutCmd  `cmd:"" help:"Log out of a target"`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("iscsictl"),
		kong.UsageOnError(),
		kong.NamedMapper("iscsiurl", iscsiurl.Mapper()),
	)
	err := ctx.Run(&context{})
	ctx.FatalIfErrorf(err)
}

func dialAndLogin(initiator string, u iscsiurl.URL) (*iscsi.Context, error) {
	c := iscsi.NewContext(initiator)
	c.SetTargetName(u.TargetName)
	c.SetSessionType(iscsi.SessionNormal)
	if u.User != "" {
		c.SetInitiatorUsernamePassword(u.User, u.Password)
	}

	var connectResult iscsi.Status
	if err := runSync(c, func(done func()) error {
		return c.ConnectAsync(u.Address(), func(res *iscsi.Result, _ interface{}) {
			connectResult = res.Status
			done()
		}, nil)
	}); err != nil {
		return nil, err
	}
	if connectResult != iscsi.StatusGood {
		return nil, fmt.Errorf("connect: %s", connectResult)
	}

	var loginResult iscsi.Status
	if err := runSync(c, func(done func()) error {
		return c.LoginAsync(func(res *iscsi.Result, _ interface{}) {
			loginResult = res.Status
			done()
		}, nil)
	}); err != nil {
		return nil, err
	}
	if loginResult != iscsi.StatusGood {
		return nil, fmt.Errorf("login: %s", loginResult)
	}
	return c, nil
}

func (cmd *connectCmd) Run(ctx *context) error {
	c, err := dialAndLogin(cmd.Initiator, cmd.Target)
	if err != nil {
		return err
	}
	defer c.DestroyContext()
	fmt.Println("connected and logged in")
	return nil
}

func (cmd *loginCmd) Run(ctx *context) error {
	c, err := dialAndLogin(cmd.Initiator, cmd.Target)
	if err != nil {
		return err
	}
	defer c.DestroyContext()

	var status iscsi.Status
	if err := runSync(c, func(done func()) error {
		return c.TestUnitReadyAsync(cmd.Target.LUN, func(res *iscsi.Result, _ interface{}) {
			status = res.Status
			done()
		}, nil)
	}); err != nil {
		return err
	}
	fmt.Printf("TEST UNIT READY on LUN %d: %s\n", cmd.Target.LUN, status)
	return nil
}

func (cmd *inquiryCmd) Run(ctx *context) error {
	c, err := dialAndLogin(cmd.Initiator, cmd.Target)
	if err != nil {
		return err
	}
	defer c.DestroyContext()

	var res iscsi.Result
	if err := runSync(c, func(done func()) error {
		return c.InquiryAsync(cmd.Target.LUN, cmd.EVPD, cmd.PageCode, 255, func(r *iscsi.Result, _ interface{}) {
			res = *r
			done()
		}, nil)
	}); err != nil {
		return err
	}
	if res.Status != iscsi.StatusGood {
		return fmt.Errorf("inquiry: %s", res.Status)
	}
	if !cmd.EVPD {
		si, err := scsi.UnmarshalStandardInquiry(res.Data)
		if err != nil {
			return err
		}
		fmt.Printf("vendor=%q product=%q revision=%q\n", si.VendorIdentification, si.ProductIdentification, si.ProductRevisionLevel)
		return nil
	}
	fmt.Printf("data=% x\n", res.Data)
	return nil
}

func (cmd *read10Cmd) Run(ctx *context) error {
	c, err := dialAndLogin(cmd.Initiator, cmd.Target)
	if err != nil {
		return err
	}
	defer c.DestroyContext()

	var res iscsi.Result
	if err := runSync(c, func(done func()) error {
		return c.Read10Async(cmd.Target.LUN, cmd.LBA, cmd.Blocks*cmd.BlockSize, cmd.BlockSize, func(r *iscsi.Result, _ interface{}) {
			res = *r
			done()
		}, nil)
	}); err != nil {
		return err
	}
	if res.Status != iscsi.StatusGood {
		return fmt.Errorf("read10: %s", res.Status)
	}
	fmt.Printf("%s\n", hex.Dump(res.Data))
	return nil
}

func (cmd *write10Cmd) Run(ctx *context) error {
	data, err := hex.DecodeString(cmd.Data)
	if err != nil {
		return fmt.Errorf("decode --data: %w", err)
	}

	c, err := dialAndLogin(cmd.Initiator, cmd.Target)
	if err != nil {
		return err
	}
	defer c.DestroyContext()

	var res iscsi.Result
	if err := runSync(c, func(done func()) error {
		return c.Write10Async(cmd.Target.LUN, cmd.LBA, uint32(len(data)), cmd.BlockSize, data, false, false, func(r *iscsi.Result, _ interface{}) {
			res = *r
			done()
		}, nil)
	}); err != nil {
		return err
	}
	fmt.Printf("write10: %s\n", res.Status)
	return nil
}

func (cmd *logoutCmd) Run(ctx *context) error {
	c, err := dialAndLogin(cmd.Initiator, cmd.Target)
	if err != nil {
		return err
	}
	defer c.DestroyContext()

	var status iscsi.Status
	if err := runSync(c, func(done func()) error {
		return c.LogoutAsync(func(r *iscsi.Result, _ interface{}) {
			status = r.Status
			done()
		}, nil)
	}); err != nil {
		return err
	}
	fmt.Printf("logout: %s\n", status)
	return nil
}

