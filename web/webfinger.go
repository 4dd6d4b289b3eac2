package web

import (
	"fmt"
)

func (s *Server) webfinger(user string) (string, error) {
	acc, err := s.store.ReadAccByUsername(user)
	if err != nil {
		return webfingerNotFound(), err
	}

	domain := s.conf.Conf.SslDomain
	return fmt.Sprintf(
		`{
					"subject": "acct:%s@%s",

					"links": [
						{
							"rel": "self",
							"type": "application/activity+json",
							"href": "https://%s/users/%s"
						}
					]
				}`, acc.Username, domain,
		domain, acc.Username), nil
}

func webfingerNotFound() string {
	return `{"detail":"Not Found"}`
}
