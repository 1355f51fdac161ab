package portmap2

import (
	gnet "net"

	"github.com/hlandau/portmap2/gateway"
	"github.com/hlandau/portmap2/mux"
	"github.com/hlandau/portmap2/natpmp"
	"github.com/hlandau/portmap2/pcp"
)

// Attempt to obtain the external IP address from the default gateway.
//
// If the host has a globally routable IP, returns that IP.
//
// This tries PCP first, since a PCP-capable gateway's reply also carries an
// epoch time portmap2's own mapping loop can use, then falls back to
// NAT-PMP. It does not attempt to learn the external IP address via UPnP.
//
// This function is not very useful because the IP address returned may still
// be an RFC1918 address, due to the possibility of a double NAT setup. There
// are better solutions for obtaining one's public IP address, such as STUN.
func ExternalAddr() (gnet.IP, error) {
	if gr, ip := isGloballyRoutable(); gr {
		return ip, nil
	}

	gwa, err := gateway.GetIPs()
	if err != nil {
		return nil, err
	}

	selfIP, _ := determineSelfIP()

	m := mux.New()
	defer m.Kill()

	d := pcp.NewDriver()
	var extaddr gnet.IP
	for _, gw := range gwa {
		res, perr := d.Map(m, gw, pcp.All, 0, 0, nil, selfIP, 0)
		if perr == nil {
			extaddr = res.ExternalAddress
			err = nil
			break
		}
		err = perr

		extaddr, err = natpmp.GetExternalAddr(m, gw)
		if err == nil {
			break
		}
	}

	return extaddr, err
}
