/*
Sitewatch monitors web pages for changes.

Each monitored resource is a row in the Postgres registry carrying a URL, a
cron interval, a list of keywords and optionally one rectangular screen zone.
On every due tick a worker fetches the page HTML with colly, renders a
full-page PNG with headless Chrome, and writes both to the object store as
<resource_id>_<n>.html and <resource_id>_<n>.png, where n grows by one per
check. The new snapshot is then compared with the previous one:

  - keywords: each keyword and the page text are reduced to stems; a keyword
    fires when it occurs more often than before.
  - zone: the pixels inside the zone are compared and the zone fires when the
    share of differing pixels reaches the zone sensitivity.

Fired detections are inserted into the monitoring events table in one
transaction and, when a topic is configured, published to Google Pub/Sub.

Usage:

	sitewatch [command] [flags]

The commands are:

	run           run the scheduler and worker pool until SIGINT/SIGTERM
	check         run one check of --resource and print the result as JSON
	init-buckets  create the images and htmls buckets
	version       print build information

Configuration is read from --config, $CONFIG_FILE or ./config.yaml, and any
key may be overridden with a SITEWATCH_ prefixed environment variable, for
example SITEWATCH_POSTGRES_HOST. Exit status is 1 for configuration errors
and 2 when the registry or object store is unreachable at startup.
*/
package main
