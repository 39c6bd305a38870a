package l3

import (
	"context"

	"github.com/google/uuid"

	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/internal/errdefs"
	"github.com/netplane/dvrkit/internal/retry"
	"github.com/netplane/dvrkit/manager/state/store"
	"github.com/pkg/errors"
)

// CreateFloatingIP allocates a floating IP record on an external network.
// Association happens separately.
func (s *Service) CreateFloatingIP(ctx context.Context, fip *api.FloatingIP) error {
	if fip.ID == "" {
		fip.ID = uuid.New().String()
	}
	err := s.store.Update(func(tx store.Tx) error {
		return store.CreateFloatingIP(tx, fip)
	})
	if err == store.ErrExist {
		return errdefs.Conflict(errors.Errorf("floating IP %s already exists", fip.ID))
	}
	return err
}

// DeleteFloatingIP removes a floating IP record.
func (s *Service) DeleteFloatingIP(ctx context.Context, fipID string) error {
	err := s.store.Update(func(tx store.Tx) error {
		return store.DeleteFloatingIP(tx, fipID)
	})
	if err == store.ErrNotExist {
		return errdefs.NotFound(errors.Errorf("floating IP %s not found", fipID))
	}
	return err
}

// AssociateFloatingIP maps a floating IP onto a port's first fixed IP. The
// routing is through the router with an external gateway attached to one
// of the port's subnets. On a distributed router the bound host gets its
// agent gateway port up front, so floating traffic works as soon as the
// agents converge.
func (s *Service) AssociateFloatingIP(ctx context.Context, fipID, portID string) error {
	return retry.Do(ctx, retry.Default(), func() error {
		err := s.store.Update(func(tx store.Tx) error {
			fip := store.GetFloatingIP(tx, fipID)
			if fip == nil {
				return errdefs.NotFound(errors.Errorf("floating IP %s not found", fipID))
			}
			port := store.GetPort(tx, portID)
			if port == nil {
				return errdefs.NotFound(errors.Errorf("port %s not found", portID))
			}
			if len(port.FixedIPs) == 0 {
				return errdefs.InvalidParameter(errors.Errorf("port %s has no fixed IPs", portID))
			}

			router := gatewayRouterForPort(tx, port)
			if router == nil {
				return errdefs.InvalidParameter(errors.Errorf(
					"no router with an external gateway reaches port %s", portID))
			}

			fip.RouterID = router.ID
			fip.FixedPortID = port.ID
			fip.FixedIPAddress = port.FixedIPs[0].IPAddress
			if err := store.UpdateFloatingIP(tx, fip); err != nil {
				return err
			}

			if router.Distributed {
				hosts := []string{port.Binding.Host}
				if target := port.MigratingTo(); target != "" {
					hosts = append(hosts, target)
				}
				for _, host := range hosts {
					if host == "" {
						continue
					}
					if _, err := EnsureFipAgentGatewayPort(tx, fip.FloatingNetworkID, host); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err == store.ErrSequenceConflict {
			return retry.Retriable(err)
		}
		return err
	})
}

// DisassociateFloatingIP detaches a floating IP from its fixed port.
// Detaching an unassociated floating IP is a no-op.
func (s *Service) DisassociateFloatingIP(ctx context.Context, fipID string) error {
	return retry.Do(ctx, retry.Default(), func() error {
		err := s.store.Update(func(tx store.Tx) error {
			fip := store.GetFloatingIP(tx, fipID)
			if fip == nil {
				return errdefs.NotFound(errors.Errorf("floating IP %s not found", fipID))
			}
			if fip.FixedPortID == "" {
				return nil
			}
			fip.RouterID = ""
			fip.FixedPortID = ""
			fip.FixedIPAddress = ""
			return store.UpdateFloatingIP(tx, fip)
		})
		if err == store.ErrSequenceConflict {
			return retry.Retriable(err)
		}
		return err
	})
}

// gatewayRouterForPort finds the router with an external gateway attached
// to one of the port's subnets.
func gatewayRouterForPort(tx store.ReadTx, port *api.Port) *api.Router {
	for _, subnetID := range port.SubnetIDs() {
		intf := routerInterfaceOnSubnet(tx, subnetID)
		if intf == nil {
			continue
		}
		rp := store.GetRouterPort(tx, intf.ID)
		if rp == nil {
			continue
		}
		router := store.GetRouter(tx, rp.RouterID)
		if router != nil && router.GWPortID != "" {
			return router
		}
	}
	return nil
}
